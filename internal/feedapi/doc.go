// Package feedapi serves the merged feed over HTTP and pushes updates,
// alerts and source errors to browser panels over a websocket.
package feedapi
