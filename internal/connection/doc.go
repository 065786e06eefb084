// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Opens broker adapter instances lazily, per account, up to a global cap
//   - Bin-packs streams onto instances (same instrument first, then fullest)
//   - Reference-counts each upstream stream by the clients holding it
//   - Unsubscribes upstream on the last release and reclaims idle instances
//   - Stops routing requests to instances that keep failing to reconnect
package connection
