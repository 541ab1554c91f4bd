// SPDX-License-Identifier: Apache-2.0
//
// Copyright 2025 Binaek Sarkar
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package driver implements the Driver (§4.G): single-shot and
// co-process execution, and the line-oriented server protocol (§6).
package driver

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Request is one decoded line-protocol request: an entry specifier and
// a raw, not-yet-unmarshaled props JSON document.
type Request struct {
	Entry     string
	PropsJSON string
}

// ReadRequest decodes one request per §6: two newline-terminated lines,
// entry then props JSON. Returns io.EOF (unwrapped) when the stream
// ends cleanly between requests.
func ReadRequest(r *bufio.Reader) (*Request, error) {
	entryLine, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && entryLine == "" {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read entry line: %w", err)
	}

	propsLine, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read props line: %w", err)
	}

	return &Request{
		Entry:     strings.TrimSuffix(entryLine, "\n"),
		PropsJSON: strings.TrimSuffix(propsLine, "\n"),
	}, nil
}

// WriteOk frames a successful response: Status:Ok, Length, a blank
// line, then exactly len(body) bytes.
func WriteOk(w io.Writer, body string) error {
	return writeFramed(w, "Ok", body)
}

// WriteError frames a failure response with the error message as body.
func WriteError(w io.Writer, message string) error {
	return writeFramed(w, "Error", message)
}

func writeFramed(w io.Writer, status, body string) error {
	header := "Status:" + status + "\nLength:" + strconv.Itoa(len(body)) + "\n\n"
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	_, err := io.WriteString(w, body)
	return err
}
