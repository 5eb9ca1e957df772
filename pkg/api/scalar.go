// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const scalarHTML = `<!doctype html>
<html>
  <head>
    <title>capgate API Reference</title>
    <meta charset="utf-8" />
    <meta name="viewport" content="width=device-width, initial-scale=1" />
  </head>
  <body>
    <script id="api-reference" type="application/json">
    %s
    </script>
    <script>
      var configuration = {
        theme: "saturn",
        metaData: {
          title: "capgate API",
          description: "API Reference for the capgate capability gateway",
        },
        servers: [
          {
            name: "Development",
            url: "http://127.0.0.1:8880",
            description: "Local development server"
          }
        ],
        showServers: true,
        allowCustomServers: true
      }

      document.getElementById('api-reference').dataset.configuration =
        JSON.stringify(configuration)
    </script>
    <script src="https://cdn.jsdelivr.net/npm/@scalar/api-reference"></script>
  </body>
</html>`

// ServeScalar serves the Scalar API reference page
func ServeScalar(w http.ResponseWriter, _ *http.Request) {
	spec, err := json.Marshal(openapiSpec)
	if err != nil {
		http.Error(w, "Failed to marshal OpenAPI specification", http.StatusInternalServerError)
		return
	}

	html := fmt.Sprintf(scalarHTML, spec)

	w.Header().Set("Content-Type", "text/html")
	if _, err := w.Write([]byte(html)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
