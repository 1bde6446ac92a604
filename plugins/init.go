// Package plugins registers all built-in plugins.
package plugins

import (
	"firestige.xyz/applayer/pkg/plugin"
	"firestige.xyz/applayer/plugins/parser/ike"
	"firestige.xyz/applayer/plugins/parser/nfs"
	"firestige.xyz/applayer/plugins/parser/websocket"
	"firestige.xyz/applayer/plugins/sink/console"
	"firestige.xyz/applayer/plugins/sink/yamlfile"
)

func init() {
	// Register parser plugins
	plugin.RegisterParser("websocket", websocket.NewParser)
	plugin.RegisterParser("nfs", nfs.NewParser)
	plugin.RegisterParser("ike", ike.NewParser)

	// Register sink plugins
	plugin.RegisterSink("console", console.NewSink)
	plugin.RegisterSink("yaml", yamlfile.NewSink)
}
