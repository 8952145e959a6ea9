// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rules

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/bcem/guardian/internal/models"
)

var (
	executableExts = map[string]bool{
		".exe": true, ".scr": true, ".bat": true, ".cmd": true, ".com": true, ".pif": true,
		".js": true, ".jse": true, ".vbs": true, ".vbe": true, ".wsf": true, ".hta": true,
		".msi": true, ".ps1": true, ".jar": true, ".lnk": true, ".iso": true, ".img": true,
	}
	macroExts = map[string]bool{
		".docm": true, ".xlsm": true, ".pptm": true, ".dotm": true, ".xlam": true,
	}
	archiveExts = map[string]bool{
		".zip": true, ".rar": true, ".7z": true, ".gz": true, ".tar": true, ".cab": true, ".ace": true,
	}
	documentExts = map[string]bool{
		".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
		".txt": true, ".jpg": true, ".png": true,
	}
)

// PDF keys that run code or open resources when the document is viewed.
var pdfActiveKeys = [][]byte{
	[]byte("/JavaScript"), []byte("/JS"), []byte("/Launch"), []byte("/OpenAction"),
	[]byte("/EmbeddedFile"), []byte("/AA"),
}

var (
	pdfURIAction = regexp.MustCompile(`/URI\s*\(([^)]+)\)`)
	textURL      = regexp.MustCompile(`https?://[^\s")>\]]+`)
)

// Attachments scores files by name, declared and sniffed type, and for PDFs
// by active content and embedded links. Embedded links are scored with the
// link rules.
type Attachments struct {
	links *Links
}

// NewAttachments returns the rule-based attachment analyzer.
func NewAttachments() *Attachments { return &Attachments{links: NewLinks()} }

func (*Attachments) Name() string { return "rules" }

// AnalyzeAttachment never fails.
func (a *Attachments) AnalyzeAttachment(ctx context.Context, file models.File) (models.ThreatInfo, error) {
	hits := nameRules(file.Filename)
	hits = append(hits, typeRules(file)...)

	if isPDF(file) {
		hits = append(hits, a.pdfRules(ctx, file.Data)...)
	}

	s, reasons := score(hits)
	return models.NewThreatInfo(s, reasons...), nil
}

func nameRules(filename string) []rule {
	name := strings.ToLower(strings.TrimSpace(filename))
	ext := path.Ext(name)

	var hits []rule
	switch {
	case executableExts[ext]:
		hits = append(hits, rule{0.8, fmt.Sprintf("executable attachment type %s", ext)})
	case macroExts[ext]:
		hits = append(hits, rule{0.5, fmt.Sprintf("macro-enabled document %s", ext)})
	case archiveExts[ext]:
		hits = append(hits, rule{0.3, fmt.Sprintf("archive attachment %s", ext)})
	}

	// "invoice.pdf.exe": a harmless-looking extension hiding the real one.
	inner := path.Ext(strings.TrimSuffix(name, ext))
	if ext != "" && documentExts[inner] && !documentExts[ext] {
		hits = append(hits, rule{0.4, fmt.Sprintf("double extension %s%s", inner, ext)})
	}
	return hits
}

func typeRules(file models.File) []rule {
	if len(file.Data) == 0 {
		return nil
	}
	if bytes.HasPrefix(file.Data, []byte("MZ")) {
		ext := strings.ToLower(path.Ext(file.Filename))
		if !executableExts[ext] {
			return []rule{{0.8, "Windows executable content under a non-executable name"}}
		}
		return nil
	}

	declared, _, err := mime.ParseMediaType(file.ContentType)
	if err != nil || declared == "" || declared == "application/octet-stream" {
		return nil
	}
	sniffed, _, _ := mime.ParseMediaType(http.DetectContentType(file.Data))
	if sniffed == "application/octet-stream" || sniffed == "text/plain" {
		return nil
	}
	if sniffed != declared && !sameFamily(sniffed, declared) {
		return []rule{{0.3, fmt.Sprintf("declared type %s but content looks like %s", declared, sniffed)}}
	}
	return nil
}

// sameFamily tolerates aliases such as application/x-zip-compressed for
// zip, and any member of a top-level type (image/jpg vs image/jpeg).
func sameFamily(a, b string) bool {
	if strings.Contains(a, "zip") && strings.Contains(b, "zip") {
		return true
	}
	ta, _, _ := strings.Cut(a, "/")
	tb, _, _ := strings.Cut(b, "/")
	return ta == tb && ta != "application"
}

func isPDF(file models.File) bool {
	return bytes.HasPrefix(file.Data, []byte("%PDF")) ||
		strings.EqualFold(path.Ext(file.Filename), ".pdf")
}

func (a *Attachments) pdfRules(ctx context.Context, data []byte) []rule {
	var hits []rule
	var active []string
	for _, key := range pdfActiveKeys {
		if containsKey(data, key) {
			active = append(active, string(key))
		}
	}
	if len(active) > 0 {
		hits = append(hits, rule{0.5, fmt.Sprintf("PDF with active content: %s", strings.Join(active, ", "))})
	}

	links := PDFLinks(data)
	if len(links) == 0 {
		return hits
	}
	var worst float64
	var worstURL string
	for _, l := range links {
		info, _ := a.links.AnalyzeLink(ctx, l)
		if info.Score > worst {
			worst, worstURL = info.Score, l
		}
	}
	hits = append(hits, rule{0.05, fmt.Sprintf("PDF contains %d links", len(links))})
	if worst >= 0.3 {
		hits = append(hits, rule{0.8 * worst, fmt.Sprintf("PDF links to suspicious URL %s", worstURL)})
	}
	return hits
}

// containsKey matches a PDF name token, so /JS does not match /JSON.
func containsKey(data, key []byte) bool {
	for i := 0; ; {
		j := bytes.Index(data[i:], key)
		if j < 0 {
			return false
		}
		end := i + j + len(key)
		if end >= len(data) || !isNameChar(data[end]) {
			return true
		}
		i = end
	}
}

func isNameChar(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

// PDFLinks returns the distinct URLs referenced by URI actions or written
// in the uncompressed text of a PDF, in order of appearance.
func PDFLinks(data []byte) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, m := range pdfURIAction.FindAllSubmatch(data, -1) {
		add(string(m[1]))
	}
	for _, m := range textURL.FindAll(data, -1) {
		add(string(m))
	}
	return out
}
