// Package config loads the gateway configuration.
//
// Configuration is YAML with ${VAR} expansion. A .env file next to the
// config, or in the working directory, is loaded first when present. A small
// set of environment keys then override the YAML, so deployments can tune
// capacity and throttling without editing files:
//
//	MAX_SYMBOLS_PER_CONNECTION, MAX_CONNECTIONS, MAX_SYMBOLS_PER_SESSION
//	THROTTLE_LTP_WINDOW, THROTTLE_QUOTE_WINDOW, THROTTLE_DEPTH_WINDOW
//	RECONNECT_BASE_DELAY, RECONNECT_MAX_DELAY
package config
