// Package protocol defines the JSON documents carried in COR frame bodies on
// the control plane.
//
// A request names an action and carries its parameters:
//
//	{"action": "joinchannel", "parameters": {"channelid": 42}}
//
// A response carries a status code next to its parameters, and an error
// message when the status is not StatusOK:
//
//	{"status": 0, "channel": {...}, "participants": [...]}
//	{"status": 1, "error": "Invalid channel id (channelid=0)"}
//
// Notifications are requests sent by the server; clients answer them with
// an empty OK response.
package protocol
