package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the history routes.
func buildOpenAPIDoc(secured bool) map[string]any {
	limit := map[string]any{
		"name":     "limit",
		"in":       "query",
		"required": false,
		"schema":   map[string]any{"type": "integer", "minimum": 1, "maximum": maxListLimit},
	}
	pathParam := func(name string) map[string]any {
		return map[string]any{
			"name":     name,
			"in":       "path",
			"required": true,
			"schema":   map[string]any{"type": "string"},
		}
	}
	get := func(id, summary string, params []any, responses map[string]any) map[string]any {
		op := map[string]any{
			"operationId": id,
			"summary":     summary,
			"responses":   responses,
		}
		if len(params) > 0 {
			op["parameters"] = params
		}
		if secured {
			op["security"] = []any{map[string]any{"BearerAuth": []string{}}}
		}
		return map[string]any{"get": op}
	}

	doc := map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "trellis run history",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/healthz": map[string]any{"get": map[string]any{
				"operationId": "healthz",
				"summary":     "Liveness probe",
				"responses":   map[string]any{"200": map[string]any{"description": "Server is up"}},
			}},
			"/invocations": get("listInvocations", "Recent invocations, newest first",
				[]any{limit},
				map[string]any{"200": map[string]any{"description": "Invocation list"}}),
			"/invocations/{id}": get("getInvocation", "One invocation with its task runs",
				[]any{pathParam("id")},
				map[string]any{
					"200": map[string]any{"description": "Invocation"},
					"404": map[string]any{"description": "Unknown invocation"},
				}),
			"/tasks/{name}": get("taskHistory", "Recorded state and recent runs of one task",
				[]any{pathParam("name"), limit},
				map[string]any{
					"200": map[string]any{"description": "Task history"},
					"404": map[string]any{"description": "Task has no recorded runs"},
				}),
			"/events": get("events", "Server-sent progress events of the current run", nil,
				map[string]any{"200": map[string]any{"description": "text/event-stream"}}),
		},
	}
	if secured {
		doc["components"] = map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		}
	}
	return doc
}
