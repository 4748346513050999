package gateway

import (
	"context"
	"encoding/base64"
	"fmt"
	"html"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/sage-x-project/sage-paywall/llm"
	"github.com/sage-x-project/sage-paywall/logger"
	"github.com/sage-x-project/sage-paywall/types"
)

// FileAssetGenerator writes the delivered artwork under Dir and returns its
// public URL below BaseURL. When Describer is set, the artwork caption is
// written by the language model; otherwise the buyer's description is used.
type FileAssetGenerator struct {
	Dir       string
	BaseURL   string
	Style     string
	Describer llm.Client
	Log       *logger.Logger
}

const captionPrompt = `You are a professional %s artist. Write one vivid sentence (under 30 words) describing the artwork you are delivering. No preamble.`

func (f *FileAssetGenerator) Generate(ctx context.Context, inv *types.Invoice, payload map[string]interface{}) (string, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", fmt.Errorf("create asset dir: %w", err)
	}
	style := stringField(payload, "style", f.Style)
	caption := f.caption(ctx, style, stringField(payload, "description", ""))

	if img := stringField(payload, "imageBase64", ""); img != "" {
		raw, err := base64.StdEncoding.DecodeString(stripDataURL(img))
		if err != nil {
			return "", fmt.Errorf("decode input image: %w", err)
		}
		if err := writeAtomic(filepath.Join(f.Dir, "input_"+inv.ID+".img"), raw); err != nil {
			return "", err
		}
	}

	name := fmt.Sprintf("artwork_%s.svg", inv.ID)
	if err := writeAtomic(filepath.Join(f.Dir, name), renderSVG(style, caption, inv)); err != nil {
		return "", err
	}
	return strings.TrimRight(f.BaseURL, "/") + "/" + url.PathEscape(name), nil
}

func (f *FileAssetGenerator) caption(ctx context.Context, style, description string) string {
	fallback := description
	if fallback == "" {
		fallback = fmt.Sprintf("An original %s piece.", style)
	}
	if f.Describer == nil {
		return fallback
	}
	user := "Commission notes: " + fallback
	out, err := f.Describer.Chat(ctx, fmt.Sprintf(captionPrompt, style), user)
	if err != nil || strings.TrimSpace(out) == "" {
		logger.Or(f.Log).Debugf("caption model unavailable, using buyer description: %v", err)
		return fallback
	}
	return strings.TrimSpace(out)
}

func renderSVG(style, caption string, inv *types.Invoice) []byte {
	var b strings.Builder
	b.WriteString(`<svg xmlns="http://www.w3.org/2000/svg" width="1024" height="1024" viewBox="0 0 1024 1024">` + "\n")
	b.WriteString(`  <rect width="1024" height="1024" fill="#f7f1e3"/>` + "\n")
	fmt.Fprintf(&b, `  <text x="512" y="460" font-size="56" text-anchor="middle" font-family="serif">%s</text>`+"\n", html.EscapeString(style))
	fmt.Fprintf(&b, `  <text x="512" y="540" font-size="22" text-anchor="middle" font-family="serif">%s</text>`+"\n", html.EscapeString(caption))
	fmt.Fprintf(&b, `  <text x="512" y="980" font-size="14" text-anchor="middle" fill="#777">invoice %s, %s %s</text>`+"\n",
		html.EscapeString(inv.ID), inv.Amount, html.EscapeString(inv.Token))
	b.WriteString("</svg>\n")
	return []byte(b.String())
}

// writeAtomic writes data next to path and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".asset-*")
	if err != nil {
		return fmt.Errorf("create temp asset: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write asset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close asset: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("publish asset: %w", err)
	}
	return nil
}

func stringField(payload map[string]interface{}, key, def string) string {
	if v, ok := payload[key].(string); ok && v != "" {
		return v
	}
	return def
}

func stripDataURL(s string) string {
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		return s[i+len(";base64,"):]
	}
	return s
}
