//go:build server

package model

// KindServer marks failures reported by the server side websocket.
const KindServer ErrorKind = 2

func init() {
	kindNames[KindServer] = "Server"
}
