// Package client is a Go client for the controller's REST API.
package client
