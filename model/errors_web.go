//go:build web

package model

// KindWeb marks failures reported by the browser-style websocket client.
const KindWeb ErrorKind = 3

func init() {
	kindNames[KindWeb] = "Web"
}
