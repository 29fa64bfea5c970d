// Package web embeds deadrop's browser-facing static assets: the
// landing and upload pages (the burn page is burnedPageHTML in
// internal/httpserver), their stylesheet, the decrypt/upload Web
// Workers and their main-thread bridges, the Go wasm runtime glue, and
// the codec.wasm module.
//
// The codec.wasm checked in here is a placeholder holding only the
// 8-byte wasm header; the go:generate directive below replaces it with
// the build of ./cmd/codec-wasm (GOOS=js GOARCH=wasm).
package web

//go:generate env GOOS=js GOARCH=wasm go build -o codec.wasm ../cmd/codec-wasm

import "embed"

//go:embed index.html upload.html style.css
//go:embed decrypt-worker.js decrypt-worker-bridge.js
//go:embed upload-worker.js upload-worker-bridge.js
//go:embed wasm_exec.js codec.wasm
var FS embed.FS
