package upstream

import (
	"bytes"
	"context"
	stderrors "errors"
	"mime/multipart"
	"net"
	"net/textproto"
	"os"
	"strings"
)

type field struct {
	Name  string
	Value string
}

type filePart struct {
	Field    string
	Filename string
	Data     []byte
}

// buildMultipart builds a multipart/form-data body. It returns the body and
// the matching Content-Type header value.
func buildMultipart(fields []field, file *filePart) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)

	for _, f := range fields {
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return nil, "", err
		}
	}

	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition",
			`form-data; name="`+escapeQuotes(file.Field)+`"; filename="`+escapeQuotes(file.Filename)+`"`)
		h.Set("Content-Type", "application/octet-stream")
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return body, w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}

// isTimeout reports whether err is a deadline or network timeout.
func isTimeout(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}
	var nerr net.Error
	return stderrors.As(err, &nerr) && nerr.Timeout()
}
