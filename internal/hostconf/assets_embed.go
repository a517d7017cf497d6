package hostconf

import "embed"

// hostData carries the per-host configuration documents and the generated
// reverse index shipped with the tool.
//
//go:embed data/host-index.yaml data/host/*.yaml
var hostData embed.FS
