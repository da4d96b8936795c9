// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/jeranaias/comhra/internal/model"
)

// MaxAttachmentSize caps a single attached file.
const MaxAttachmentSize = 20 * 1024 * 1024

// ErrUnsupportedAttachment is returned for file types that cannot be
// attached.
var ErrUnsupportedAttachment = errors.New("unsupported attachment")

// AttachFile adds the file at path to msg. Images (jpg, jpeg, png) are
// base64-encoded onto msg.Images. Any other file is read as text and
// prepended to the content. PDFs are rejected.
func AttachFile(msg model.Message, path string) (model.Message, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "pdf" {
		return msg, errors.Wrapf(ErrUnsupportedAttachment, "%s: pdf text extraction is not available", filepath.Base(path))
	}

	info, err := os.Stat(path)
	if err != nil {
		return msg, errors.Wrap(err, "cannot attach file")
	}
	if info.IsDir() {
		return msg, errors.Wrapf(ErrUnsupportedAttachment, "%s is a directory", path)
	}
	if info.Size() > MaxAttachmentSize {
		return msg, errors.Wrapf(ErrUnsupportedAttachment, "%s is larger than %d bytes", filepath.Base(path), MaxAttachmentSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return msg, errors.Wrap(err, "cannot attach file")
	}

	out := msg.Clone()
	switch ext {
	case "jpg", "jpeg", "png":
		out.Images = append(out.Images, model.Image{B64: base64.StdEncoding.EncodeToString(data)})
	default:
		out.Content = string(data) + out.Content
	}
	return out, nil
}
