// Package server hosts the Fiber HTTP service that exposes a directory mirror
// to other machines: GET/HEAD/PUT on /objects/:name plus a /-/status probe.
// Handlers accept explicit dependencies so tests can drive the app through
// app.Test without opening a socket.
package server
