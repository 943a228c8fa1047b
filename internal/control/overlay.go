package control

import (
	"net/http"
	"sort"
	"sync"

	"github.com/lexiqai/caption-gateway/internal/caption"
)

// OverlayMessage is a render command pushed to overlay pages
type OverlayMessage struct {
	Type     string `json:"type"` // show, remove, hide, position
	ID       uint64 `json:"id,omitempty"`
	Text     string `json:"text,omitempty"`
	Partial  bool   `json:"partial,omitempty"`
	Exiting  bool   `json:"exiting,omitempty"`
	Position string `json:"position,omitempty"`
}

type shownLine struct {
	text    string
	partial bool
	exiting bool
}

// OverlayHub is the caption render surface. It forwards render commands to
// every overlay page and replays the current screen to pages that connect
// late. Commands are broadcast under mu so a replay never interleaves with
// a newer command.
type OverlayHub struct {
	pages *clientSet

	mu       sync.Mutex
	position caption.Position
	lines    map[uint64]shownLine
}

// NewOverlayHub creates an overlay hub positioned at the bottom
func NewOverlayHub() *OverlayHub {
	return &OverlayHub{
		pages:    newClientSet("overlay"),
		position: caption.PositionBottom,
		lines:    make(map[uint64]shownLine),
	}
}

// HandleOverlay serves GET /overlay
func (o *OverlayHub) HandleOverlay() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		o.pages.serve(w, r, o.replay, nil)
	}
}

func (o *OverlayHub) replay(c *client) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.pages.send(c, OverlayMessage{Type: "position", Position: string(o.position)})
	ids := make([]uint64, 0, len(o.lines))
	for id := range o.lines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		l := o.lines[id]
		o.pages.send(c, OverlayMessage{Type: "show", ID: id, Text: l.text, Partial: l.partial, Exiting: l.exiting})
	}
}

func (o *OverlayHub) ShowLine(text string, hint caption.StyleHint) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines[hint.LineID] = shownLine{text: text, partial: hint.Partial, exiting: hint.Exiting}
	o.pages.broadcast(OverlayMessage{Type: "show", ID: hint.LineID, Text: text, Partial: hint.Partial, Exiting: hint.Exiting})
}

func (o *OverlayHub) RemoveLine(id uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.lines, id)
	o.pages.broadcast(OverlayMessage{Type: "remove", ID: id})
}

func (o *OverlayHub) HideAll() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines = make(map[uint64]shownLine)
	o.pages.broadcast(OverlayMessage{Type: "hide"})
}

func (o *OverlayHub) SetPosition(pos caption.Position) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.position = pos
	o.pages.broadcast(OverlayMessage{Type: "position", Position: string(pos)})
}

// Pages returns the number of connected overlay pages
func (o *OverlayHub) Pages() int { return o.pages.count() }
