// Package docs carries the API description. The file is embedded so the
// daemon serves it from any working directory.
package docs

import _ "embed"

//go:embed openapi.yaml
var OpenAPI []byte
