// SPDX-FileCopyrightText: Copyright 2025 The capgate Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"maps"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/capgate-io/capgate/pkg/capability"
	"github.com/capgate-io/capgate/pkg/logger"
)

// convertInputSchema flattens the SDK's structured input schema into the
// plain JSON Schema map the registry stores.
func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	out := map[string]any{
		"type": schema.Type,
	}
	if schema.Properties != nil {
		out["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		out["required"] = schema.Required
	}
	if schema.Defs != nil {
		out["$defs"] = schema.Defs
	}
	return out
}

// convertContent maps SDK content to the wire-neutral capability type.
func convertContent(content mcp.Content) capability.Content {
	if text, ok := mcp.AsTextContent(content); ok {
		return capability.Content{
			Type: "text",
			Text: text.Text,
		}
	}
	if image, ok := mcp.AsImageContent(content); ok {
		return capability.Content{
			Type:     "image",
			Data:     image.Data,
			MimeType: image.MIMEType,
		}
	}
	if audio, ok := mcp.AsAudioContent(content); ok {
		return capability.Content{
			Type:     "audio",
			Data:     audio.Data,
			MimeType: audio.MIMEType,
		}
	}
	logger.Warnf("Encountered unknown content type %T, marking as unknown content", content)
	return capability.Content{Type: "unknown"}
}

// fromMCPMeta converts SDK meta to a plain map, preserving the _meta field
// from backend responses. Returns nil when there is nothing to preserve.
func fromMCPMeta(meta *mcp.Meta) map[string]any {
	if meta == nil {
		return nil
	}

	result := make(map[string]any)
	if meta.ProgressToken != nil {
		result["progressToken"] = meta.ProgressToken
	}
	maps.Copy(result, meta.AdditionalFields)

	if len(result) == 0 {
		return nil
	}
	return result
}

// notificationParams flattens a notification's params into a plain map.
func notificationParams(n mcp.JSONRPCNotification) map[string]any {
	result := make(map[string]any, len(n.Params.AdditionalFields)+1)
	maps.Copy(result, n.Params.AdditionalFields)
	if len(n.Params.Meta) > 0 {
		result["_meta"] = n.Params.Meta
	}
	return result
}
