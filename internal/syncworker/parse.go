package syncworker

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/emersion/go-message/mail"

	"github.com/corvohq/driftmail/internal/bridge"
	"github.com/corvohq/driftmail/internal/platform"
	"github.com/corvohq/driftmail/internal/wire"
)

// parse extracts the first inline body part and attachment metadata from a raw
// RFC 822 message. Attachments already known to the caller are preserved ahead
// of newly discovered ones.
func (w *Worker) parse(rt *platform.Runtime, taskID string, req bridge.ParseRequest) (wire.TaskResult, error) {
	rt.Emit(wire.Progress{TaskID: taskID, Stage: "parsing", Percent: 0})

	mr, err := mail.CreateReader(bytes.NewReader(req.Raw))
	if err != nil {
		return wire.TaskResult{}, fmt.Errorf("open message: %w", err)
	}

	attachments := append([]wire.Attachment{}, req.ExistingAttachments...)
	var body string
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return wire.TaskResult{}, fmt.Errorf("read message part: %w", err)
		}
		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return wire.TaskResult{}, fmt.Errorf("read body part: %w", err)
			}
			if body == "" {
				body = string(content)
			}
		case *mail.AttachmentHeader:
			filename, err := header.Filename()
			if err != nil {
				filename = ""
			}
			mimeType, _, err := header.ContentType()
			if err != nil {
				mimeType = "application/octet-stream"
			}
			content, err := io.ReadAll(part.Body)
			if err != nil {
				return wire.TaskResult{}, fmt.Errorf("read attachment %q: %w", filename, err)
			}
			attachments = append(attachments, wire.Attachment{
				Filename: filename,
				MIMEType: mimeType,
				Size:     int64(len(content)),
			})
		}
	}

	rt.Emit(wire.Progress{TaskID: taskID, Stage: "parsed", Percent: 100})
	return wire.TaskResult{Success: true, Body: body, Attachments: attachments}, nil
}
