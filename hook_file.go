package milterfrom

import (
	"fmt"
	"io"
	"os"
	"time"
)

const fileVerdictJson string = `{"occurred_at":"%s","message_id":"%s","verdict":"%s","envelope_from":"%s","header_from":"%s"}
`

// HookFile appends one JSON line per verdict to a file.
type HookFile struct {
	Path string

	file io.Writer
}

func (h *HookFile) Name() string {
	return "file"
}

func (h *HookFile) writer() (io.Writer, error) {
	if h.file != nil {
		return h.file, nil
	}

	if len(h.Path) == 0 {
		return nil, fmt.Errorf("missing path for file hook")
	}

	var err error
	h.file, err = os.OpenFile(h.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("os.OpenFile error: %s", err)
	}

	return h.file, nil
}

func (h *HookFile) AfterInit() {
}

func (h *HookFile) AfterVerdict(d *VerdictData) {
	writer, err := h.writer()
	if err != nil {
		fmt.Printf("[%s] %s\n", h.Name(), err)
		return
	}

	if _, err := fmt.Fprintf(writer, fileVerdictJson, d.OccurredAt.Format(time.RFC3339),
		d.MsgID, d.Verdict, d.EnvelopeFrom, d.HeaderFrom); err != nil {
		fmt.Printf("[%s] file append error: %s\n", h.Name(), err)
	}
}
