package httpserver

import (
	"net/http"

	"deadrop/web"
)

// Assets exposes the web package's embedded static tree as an
// http.FileSystem, so "/index.html" and "/style.css" resolve the way
// ServeContent and FileServer expect; the routes serve it under
// "/assets/" by stripping that prefix.
func Assets() http.FileSystem {
	return http.FS(web.FS)
}

// burnedPageHTML is served in place of the normal landing page once a
// drop has been consumed or explicitly destroyed.
const burnedPageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>deadrop</title>
<link rel="stylesheet" href="/assets/style.css">
</head>
<body>
<main>
  <h1>this drop is gone</h1>
  <p>it was either downloaded its allotted number of times or burned by
     the sender. nothing about it remains on this server.</p>
</main>
</body>
</html>
`
