// Package extract pulls attachment metadata out of message content. It is
// pure text analysis: no network fetches, no content downloads.
package extract

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/pigeon-im/pigeon/internal/store"
)

var urlRe = regexp.MustCompile(`https?://[^\s<>"']+`)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true,
}

var documentExts = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".txt": true, ".csv": true, ".zip": true,
}

var mapHosts = map[string]bool{
	"maps.google.com":       true,
	"goo.gl":                true,
	"maps.apple.com":        true,
	"www.openstreetmap.org": true,
	"osm.org":               true,
}

// Extract returns the attachments referenced by a message. IDs are derived
// from the message id, the attachment type and a per-type index, so repeated
// extraction of the same message yields the same rows.
func Extract(msg *store.Message) []store.Attachment {
	if msg == nil {
		return nil
	}

	var out []store.Attachment
	perType := make(map[string]int)

	add := func(typ, rawURL, label string) {
		idx := perType[typ]
		perType[typ]++
		out = append(out, store.Attachment{
			ID:        fmt.Sprintf("%s:%s:%d", msg.ID, typ, idx),
			MessageID: msg.ID,
			ChatID:    msg.ChatID,
			Type:      typ,
			URL:       rawURL,
			Label:     label,
			Position:  idx,
		})
	}

	for _, raw := range urlRe.FindAllString(msg.Content, -1) {
		raw = strings.TrimRight(raw, ".,;:!?)")
		add(classify(raw, msg.MessageType), raw, labelFor(raw))
	}

	// Media-only image messages carry no URL in the content but are still an
	// attachment in their own right.
	if msg.MessageType == store.TypeImage && perType[store.AttachmentPhoto] == 0 {
		add(store.AttachmentPhoto, "", "image")
	}
	return out
}

func classify(rawURL, messageType string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return store.AttachmentLink
	}

	ext := strings.ToLower(path.Ext(u.Path))
	switch {
	case imageExts[ext]:
		return store.AttachmentPhoto
	case documentExts[ext]:
		return store.AttachmentDocument
	}

	host := strings.ToLower(u.Host)
	if mapHosts[host] || strings.Contains(u.Path, "/maps") {
		return store.AttachmentLocation
	}

	if messageType == store.TypeImage {
		return store.AttachmentPhoto
	}
	return store.AttachmentLink
}

// labelFor keeps the filename for file-like URLs and the host for the rest.
func labelFor(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if base := path.Base(u.Path); base != "." && base != "/" && strings.Contains(base, ".") {
		return base
	}
	return u.Host
}
