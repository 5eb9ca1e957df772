// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

var openapiSpec *openapi3.T

func init() {
	openapiSpec = &openapi3.T{
		OpenAPI: "3.1.1",
		Info: &openapi3.Info{
			Title: "capgate API",
			Description: "A REST API for the capgate capability gateway. It manages the " +
				"aggregated catalog of tools, prompts and resources, the skill taxonomy " +
				"used for two-stage semantic search, and the external MCP servers the " +
				"gateway federates.",
			Version: "1.0.0",
			License: &openapi3.License{
				Name: "Apache 2.0",
				URL:  "http://www.apache.org/licenses/LICENSE-2.0.html",
			},
		},
		Servers: openapi3.Servers{
			&openapi3.Server{
				URL:         "http://127.0.0.1:8880",
				Description: "Local development server",
			},
		},
		Paths: openapi3.NewPaths(),
		Tags: []*openapi3.Tag{
			{Name: "search", Description: "Two-stage capability search"},
			{Name: "tools", Description: "Tool management and invocation"},
			{Name: "prompts", Description: "Prompt management"},
			{Name: "resources", Description: "Resource management"},
			{Name: "skills", Description: "Skill taxonomy and classifier suggestions"},
			{Name: "aggregator", Description: "External MCP server lifecycle"},
			{Name: "capabilities", Description: "Aggregated catalog overview"},
			{Name: "sync", Description: "Embedding and classification pipeline"},
			{Name: "system", Description: "Health and metrics"},
		},
	}

	addSearchPaths()
	addToolPaths()
	addPromptPaths()
	addResourcePaths()
	addSkillPaths()
	addAggregatorPaths()
	addSystemPaths()
}

func addSearchPaths() {
	searchBody := objSchema(map[string]*openapi3.SchemaRef{
		"query":           strSchema(),
		"item_type":       enumSchema("tool", "prompt", "resource"),
		"limit":           intSchema(),
		"skill_limit":     intSchema(),
		"skill_threshold": numSchema(),
		"tool_threshold":  numSchema(),
		"include_schemas": boolSchema(),
		"strategy":        enumSchema("hierarchical", "direct", "skills_only"),
		"server_filter":   arrSchema(strSchema()),
	}, "query")

	openapiSpec.Paths.Set("/api/v1/search", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "searchCapabilities",
			Summary:     "Search capabilities",
			Description: "Rank skills against the query, then rank capabilities within the matched skills",
			Tags:        []string{"search"},
			RequestBody: jsonBody(searchBody),
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Ranked matches with token metrics"),
				422: respError("Validation error"),
				503: respError("Embedding or index backend unavailable"),
			}),
		},
	})

	openapiSpec.Paths.Set("/api/v1/search/skills", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "searchSkills",
			Summary:     "Search skills",
			Description: "Stage A only: rank skill categories against the query",
			Tags:        []string{"search"},
			Parameters: []*openapi3.ParameterRef{
				queryParam("query", strSchema(), "Search query"),
				queryParam("limit", intSchema(), "Maximum skills returned"),
				queryParam("threshold", numSchema(), "Minimum similarity score"),
			},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Ranked skills"),
				422: respError("Validation error"),
			}),
		},
	})
}

func addToolPaths() {
	toolBody := objSchema(map[string]*openapi3.SchemaRef{
		"name":          strSchema(),
		"description":   strSchema(),
		"input_schema":  anySchema(),
		"output_schema": anySchema(),
	}, "name")

	openapiSpec.Paths.Set("/api/v1/tools", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "listTools",
			Summary:     "List tools",
			Tags:        []string{"tools"},
			Parameters: []*openapi3.ParameterRef{
				queryParam("server_id", strSchema(), "Filter by external server id"),
				queryParam("skill_id", strSchema(), "Filter by assigned skill"),
				queryParam("origin", enumSchema("internal", "external"), "Filter by origin"),
				queryParam("active_only", boolSchema(), "Drop deactivated tools"),
			},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Tools visible to the caller's scope"),
			}),
		},
		Post: &openapi3.Operation{
			OperationID: "createTool",
			Summary:     "Register an internal tool",
			Tags:        []string{"tools"},
			RequestBody: jsonBody(toolBody),
			Responses: responses(map[int]*openapi3.ResponseRef{
				201: respEnvelope("Created"),
				409: respError("Name already exists in scope"),
				422: respError("Validation error"),
			}),
		},
	})

	openapiSpec.Paths.Set("/api/v1/tools/call", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "callTool",
			Summary:     "Call a tool",
			Description: "Route a tool call to the owning external server",
			Tags:        []string{"tools"},
			RequestBody: jsonBody(objSchema(map[string]*openapi3.SchemaRef{
				"name":      strSchema(),
				"arguments": anySchema(),
			}, "name")),
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Tool result; metadata carries routed_to"),
				404: respError("Unknown tool"),
				422: respError("Tool is not backed by an external server"),
				499: respError("Cancelled by caller"),
				503: respError("Owning server unavailable"),
			}),
		},
	})

	openapiSpec.Paths.Set("/api/v1/tools/{id}", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "getTool",
			Summary:     "Get tool details",
			Tags:        []string{"tools"},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", "Tool id")},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Tool with its skill assignments"),
				404: respError("Not found"),
			}),
		},
		Put: &openapi3.Operation{
			OperationID: "updateTool",
			Summary:     "Update an internal tool",
			Tags:        []string{"tools"},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", "Tool id")},
			RequestBody: jsonBody(toolBody),
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Updated; queued for re-embedding"),
				404: respError("Not found"),
				422: respError("Validation error or external tool"),
			}),
		},
		Delete: &openapi3.Operation{
			OperationID: "deleteTool",
			Summary:     "Delete an internal tool",
			Tags:        []string{"tools"},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", "Tool id")},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Deleted"),
				404: respError("Not found"),
				422: respError("External tools are removed with their server"),
			}),
		},
	})

	addActivationPaths("/api/v1/tools", "Tool", "tools")
}

func addPromptPaths() {
	promptBody := objSchema(map[string]*openapi3.SchemaRef{
		"name":        strSchema(),
		"description": strSchema(),
		"arguments": arrSchema(objSchema(map[string]*openapi3.SchemaRef{
			"name":        strSchema(),
			"description": strSchema(),
			"required":    boolSchema(),
		}, "name")),
		"template": strSchema(),
	}, "name")

	addCapabilityCRUD("/api/v1/prompts", "Prompt", "prompts", promptBody)
	addActivationPaths("/api/v1/prompts", "Prompt", "prompts")
}

func addResourcePaths() {
	resourceBody := objSchema(map[string]*openapi3.SchemaRef{
		"name":          strSchema(),
		"description":   strSchema(),
		"scheme":        strSchema(),
		"owner_id":      strSchema(),
		"allowed_users": arrSchema(strSchema()),
	}, "name")

	addCapabilityCRUD("/api/v1/resources", "Resource", "resources", resourceBody)
	addActivationPaths("/api/v1/resources", "Resource", "resources")
}

func addSkillPaths() {
	skillBody := objSchema(map[string]*openapi3.SchemaRef{
		"id":          strSchema(),
		"name":        strSchema(),
		"description": strSchema(),
		"keywords":    arrSchema(strSchema()),
		"examples":    arrSchema(strSchema()),
	}, "id", "name")

	openapiSpec.Paths.Set("/api/v1/skills", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "listSkills",
			Summary:     "List skills",
			Tags:        []string{"skills"},
			Parameters: []*openapi3.ParameterRef{
				queryParam("active_only", boolSchema(), "Drop deactivated skills"),
			},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Skills with tool counts"),
			}),
		},
		Post: &openapi3.Operation{
			OperationID: "createSkill",
			Summary:     "Create a skill",
			Tags:        []string{"skills"},
			RequestBody: jsonBody(skillBody),
			Responses: responses(map[int]*openapi3.ResponseRef{
				201: respEnvelope("Created"),
				409: respError("Skill already exists"),
				422: respError("Validation error"),
			}),
		},
	})

	openapiSpec.Paths.Set("/api/v1/skills/{id}", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "getSkill",
			Summary:     "Get skill details",
			Tags:        []string{"skills"},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", "Skill id")},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Skill with tool count"),
				404: respError("Not found"),
			}),
		},
		Put: &openapi3.Operation{
			OperationID: "updateSkill",
			Summary:     "Update a skill",
			Tags:        []string{"skills"},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", "Skill id")},
			RequestBody: jsonBody(skillBody),
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Updated"),
				404: respError("Not found"),
				422: respError("Validation error"),
			}),
		},
	})

	addActivationPaths("/api/v1/skills", "Skill", "skills")

	openapiSpec.Paths.Set("/api/v1/skills/suggestions", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "listSuggestions",
			Summary:     "List skill suggestions",
			Tags:        []string{"skills"},
			Parameters: []*openapi3.ParameterRef{
				queryParam("status", enumSchema("pending", "approved", "rejected"), "Filter by status"),
			},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Suggestions, newest first"),
				422: respError("Unknown status"),
			}),
		},
	})

	openapiSpec.Paths.Set("/api/v1/skills/suggestions/{id}/approve", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "approveSuggestion",
			Summary:     "Approve a skill suggestion",
			Description: "Create the proposed skill and queue the source tool for re-classification",
			Tags:        []string{"skills"},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", "Suggestion id")},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Approved"),
				404: respError("Not found"),
				422: respError("Suggestion already resolved"),
			}),
		},
	})

	openapiSpec.Paths.Set("/api/v1/skills/suggestions/{id}/reject", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "rejectSuggestion",
			Summary:     "Reject a skill suggestion",
			Tags:        []string{"skills"},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", "Suggestion id")},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Rejected"),
				404: respError("Not found"),
				422: respError("Suggestion already resolved"),
			}),
		},
	})
}

func addAggregatorPaths() {
	registerBody := objSchema(map[string]*openapi3.SchemaRef{
		"name":             strSchema(),
		"description":      strSchema(),
		"transport":        enumSchema("stdio", "sse", "http"),
		"command":          strSchema(),
		"args":             arrSchema(strSchema()),
		"env":              mapSchema(strSchema()),
		"url":              strSchema(),
		"headers":          mapSchema(strSchema()),
		"health_check_url": strSchema(),
		"call_timeout":     strSchema(),
		"auto_connect":     boolSchema(),
	}, "name", "transport")

	openapiSpec.Paths.Set("/api/v1/aggregator/servers", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "listServers",
			Summary:     "List external servers",
			Tags:        []string{"aggregator"},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Registered servers with connection state"),
			}),
		},
		Post: &openapi3.Operation{
			OperationID: "registerServer",
			Summary:     "Register an external server",
			Tags:        []string{"aggregator"},
			RequestBody: jsonBody(registerBody),
			Responses: responses(map[int]*openapi3.ResponseRef{
				201: respEnvelope("Registered"),
				409: respError("Name already exists in scope"),
				422: respError("Validation error"),
			}),
		},
	})

	openapiSpec.Paths.Set("/api/v1/aggregator/servers/{id}", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "getServer",
			Summary:     "Get external server details",
			Tags:        []string{"aggregator"},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", "Server id")},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Server with connection state"),
				404: respError("Not found"),
			}),
		},
		Delete: &openapi3.Operation{
			OperationID: "removeServer",
			Summary:     "Remove an external server",
			Description: "Disconnect, then delete the server and every capability discovered from it",
			Tags:        []string{"aggregator"},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", "Server id")},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Removed"),
				404: respError("Not found"),
			}),
		},
	})

	openapiSpec.Paths.Set("/api/v1/aggregator/servers/{id}/connect", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "connectServer",
			Summary:     "Connect an external server",
			Tags:        []string{"aggregator"},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", "Server id")},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Connected; discovery ran"),
				404: respError("Not found"),
				503: respError("Connection failed"),
			}),
		},
	})

	openapiSpec.Paths.Set("/api/v1/aggregator/servers/{id}/disconnect", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "disconnectServer",
			Summary:     "Disconnect an external server",
			Tags:        []string{"aggregator"},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", "Server id")},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Disconnected"),
				404: respError("Not found"),
			}),
		},
	})

	openapiSpec.Paths.Set("/api/v1/aggregator/servers/{id}/rename", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "renameServer",
			Summary:     "Rename an external server",
			Description: "Rename the server and rewrite the namespaced names of all its tools",
			Tags:        []string{"aggregator"},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", "Server id")},
			RequestBody: jsonBody(objSchema(map[string]*openapi3.SchemaRef{
				"name": strSchema(),
			}, "name")),
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Renamed"),
				404: respError("Not found"),
				409: respError("Name already exists in scope"),
				422: respError("Validation error"),
			}),
		},
	})
}

func addSystemPaths() {
	openapiSpec.Paths.Set("/api/v1/capabilities", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "getCapabilityOverview",
			Summary:     "Capability overview",
			Description: "Aggregated counts of capabilities, origins, sync states and registered servers",
			Tags:        []string{"capabilities"},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Overview"),
			}),
		},
	})

	openapiSpec.Paths.Set("/api/v1/sync/status", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "getSyncStatus",
			Summary:     "Sync pipeline status",
			Tags:        []string{"sync"},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Per-state counts, last pass time, recent failures"),
			}),
		},
	})

	openapiSpec.Paths.Set("/api/v1/sync/trigger", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "triggerSync",
			Summary:     "Trigger a sync pass",
			Tags:        []string{"sync"},
			Responses: responses(map[int]*openapi3.ResponseRef{
				202: respEnvelope("Pass queued"),
			}),
		},
	})

	openapiSpec.Paths.Set("/health", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "getHealth",
			Summary:     "Health check",
			Tags:        []string{"system"},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Ready"),
				503: respError("Not ready"),
			}),
		},
	})
}

// addCapabilityCRUD registers the list/create/get/update/delete operations
// shared by prompts and resources.
func addCapabilityCRUD(base, noun, tag string, body *openapi3.SchemaRef) {
	openapiSpec.Paths.Set(base, &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "list" + noun + "s",
			Summary:     "List " + tag,
			Tags:        []string{tag},
			Parameters: []*openapi3.ParameterRef{
				queryParam("active_only", boolSchema(), "Drop deactivated entries"),
			},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope(noun + "s visible to the caller's scope"),
			}),
		},
		Post: &openapi3.Operation{
			OperationID: "create" + noun,
			Summary:     "Register a " + strings.ToLower(noun),
			Tags:        []string{tag},
			RequestBody: jsonBody(body),
			Responses: responses(map[int]*openapi3.ResponseRef{
				201: respEnvelope("Created"),
				409: respError("Name already exists in scope"),
				422: respError("Validation error"),
			}),
		},
	})

	openapiSpec.Paths.Set(base+"/{id}", &openapi3.PathItem{
		Get: &openapi3.Operation{
			OperationID: "get" + noun,
			Summary:     "Get " + strings.ToLower(noun) + " details",
			Tags:        []string{tag},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", noun + " id")},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope(noun),
				404: respError("Not found"),
			}),
		},
		Put: &openapi3.Operation{
			OperationID: "update" + noun,
			Summary:     "Update a " + strings.ToLower(noun),
			Tags:        []string{tag},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", noun + " id")},
			RequestBody: jsonBody(body),
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Updated; queued for re-embedding"),
				404: respError("Not found"),
				422: respError("Validation error"),
			}),
		},
		Delete: &openapi3.Operation{
			OperationID: "delete" + noun,
			Summary:     "Delete a " + strings.ToLower(noun),
			Tags:        []string{tag},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", noun + " id")},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Deleted"),
				404: respError("Not found"),
			}),
		},
	})
}

// addActivationPaths registers the activate/deactivate pair under base.
func addActivationPaths(base, noun, tag string) {
	openapiSpec.Paths.Set(base+"/{id}/activate", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "activate" + noun,
			Summary:     "Reactivate a " + strings.ToLower(noun),
			Tags:        []string{tag},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", noun + " id")},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Activated"),
				404: respError("Not found"),
			}),
		},
	})
	openapiSpec.Paths.Set(base+"/{id}/deactivate", &openapi3.PathItem{
		Post: &openapi3.Operation{
			OperationID: "deactivate" + noun,
			Summary:     "Deactivate a " + strings.ToLower(noun),
			Tags:        []string{tag},
			Parameters:  []*openapi3.ParameterRef{pathParam("id", noun + " id")},
			Responses: responses(map[int]*openapi3.ResponseRef{
				200: respEnvelope("Deactivated; removed from search"),
				404: respError("Not found"),
				422: respError("Validation error"),
			}),
		},
	})
}

func strSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}}
}

func intSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}}}
}

func numSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}}}
}

func boolSchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}
}

// anySchema is an unconstrained object, used for JSON Schema payloads and
// free-form arguments.
func anySchema() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}}
}

func enumSchema(values ...string) *openapi3.SchemaRef {
	enum := make([]any, 0, len(values))
	for _, v := range values {
		enum = append(enum, v)
	}
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Enum: enum}}
}

func arrSchema(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: items}}
}

func mapSchema(values *openapi3.SchemaRef) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type: &openapi3.Types{"object"},
		AdditionalProperties: openapi3.AdditionalProperties{
			Has:    boolPtr(true),
			Schema: values,
		},
	}}
}

func objSchema(props map[string]*openapi3.SchemaRef, required ...string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: props,
		Required:   required,
	}}
}

func pathParam(name, desc string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{Value: &openapi3.Parameter{
		Name:        name,
		In:          "path",
		Required:    true,
		Description: desc,
		Schema:      strSchema(),
	}}
}

func queryParam(name string, schema *openapi3.SchemaRef, desc string) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{Value: &openapi3.Parameter{
		Name:        name,
		In:          "query",
		Description: desc,
		Schema:      schema,
	}}
}

func jsonBody(schema *openapi3.SchemaRef) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{Value: &openapi3.RequestBody{
		Required: true,
		Content:  openapi3.NewContentWithJSONSchema(schema.Value),
	}}
}

// respEnvelope describes a response wrapped in the standard success
// envelope.
func respEnvelope(desc string) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{Value: &openapi3.Response{
		Description: stringPtr(desc),
		Content: openapi3.NewContentWithJSONSchema(&openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: map[string]*openapi3.SchemaRef{
				"status":   strSchema(),
				"data":     {Value: &openapi3.Schema{}},
				"metadata": anySchema(),
			},
		}),
	}}
}

// respError describes the standard error envelope.
func respError(desc string) *openapi3.ResponseRef {
	return &openapi3.ResponseRef{Value: &openapi3.Response{
		Description: stringPtr(desc),
		Content: openapi3.NewContentWithJSONSchema(&openapi3.Schema{
			Type: &openapi3.Types{"object"},
			Properties: map[string]*openapi3.SchemaRef{
				"status": strSchema(),
				"error": objSchema(map[string]*openapi3.SchemaRef{
					"code":    strSchema(),
					"message": strSchema(),
					"details": arrSchema(objSchema(map[string]*openapi3.SchemaRef{
						"field": strSchema(),
						"issue": strSchema(),
					})),
				}),
				"metadata": anySchema(),
			},
		}),
	}}
}

func responses(codes map[int]*openapi3.ResponseRef) *openapi3.Responses {
	rs := openapi3.NewResponses()
	for code, ref := range codes {
		rs.Set(strconv.Itoa(code), ref)
	}
	return rs
}

func stringPtr(s string) *string {
	return &s
}

func boolPtr(b bool) *bool {
	return &b
}

// ServeOpenAPI serves the OpenAPI specification as JSON.
func ServeOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(openapiSpec); err != nil {
		http.Error(w, "Failed to encode OpenAPI specification", http.StatusInternalServerError)
	}
}
