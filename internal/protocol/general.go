package protocol

import (
	"encoding/base64"
	"strings"
)

// GeneralBuilder emits a standard base64 subscription compatible with V2RayN, Shadowrocket, etc.
type GeneralBuilder struct{}

// NewGeneralBuilder returns a ready-to-use general builder instance.
func NewGeneralBuilder() *GeneralBuilder {
	return &GeneralBuilder{}
}

// Flags enumerates supported client identifiers for this builder.
func (b *GeneralBuilder) Flags() []string {
	return []string{"general", "v2rayn", "v2rayng", "passwall", "shadowrocket", "nekobox", "nekoray", "hiddify"}
}

// Build renders a newline-delimited list of scheme URIs (base64 encoded).
// Nodes whose credential cannot be rendered are skipped.
func (b *GeneralBuilder) Build(req BuildRequest) (*Result, error) {
	var builder strings.Builder
	for _, node := range req.Nodes {
		uri, err := BuildURI(node)
		if err != nil {
			continue
		}
		builder.WriteString(uri)
		builder.WriteString("\n")
	}
	payload := base64.StdEncoding.EncodeToString([]byte(builder.String()))
	return &Result{
		Payload:     []byte(payload),
		ContentType: "text/plain; charset=utf-8",
		Headers:     buildUserHeaders(req),
	}, nil
}
