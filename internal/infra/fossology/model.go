package fossology

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// infoResponse is the body of GET /info.
type infoResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// messageResponse is FOSSology's generic info/error envelope. Message is
// either a number, a string of digits or free text depending on the call.
type messageResponse struct {
	Code    int             `json:"code"`
	Message json.RawMessage `json:"message"`
	Type    string          `json:"type"`
}

func (m messageResponse) text() string {
	var s string
	if err := json.Unmarshal(m.Message, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(m.Message))
}

func (m messageResponse) isError() bool { return strings.EqualFold(m.Type, "ERROR") }

var digitsRe = regexp.MustCompile(`^[0-9]+$`)

// numericID extracts the id carried by the message of an INFO response.
func (m messageResponse) numericID() (string, error) {
	if m.isError() {
		return "", fmt.Errorf("remote error: %s", m.text())
	}
	id := m.text()
	if !digitsRe.MatchString(id) {
		return "", fmt.Errorf("message %q is not an id", id)
	}
	return id, nil
}

// reportIDFromURL returns the last path segment of the URL FOSSology puts in
// the message of a report request.
func reportIDFromURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse report url: %w", err)
	}
	id := path.Base(strings.TrimRight(u.Path, "/"))
	if !digitsRe.MatchString(id) {
		return "", fmt.Errorf("report url %q does not end in an id", raw)
	}
	return id, nil
}

// fileSearchRequest is one entry of the POST /filesearch body.
type fileSearchRequest struct {
	SHA1 string `json:"sha1"`
}

// fileSearchResult is one entry of the POST /filesearch response.
type fileSearchResult struct {
	Uploads []int  `json:"uploads"`
	Message string `json:"message,omitempty"`
}

// upload is an entry of GET /uploads.
type upload struct {
	ID         int    `json:"id"`
	FolderID   int    `json:"folderid"`
	UploadName string `json:"uploadname"`
}

// job is an entry of GET /jobs and the body of GET /jobs/{id}.
type job struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
	ETA    *int   `json:"eta"`
}

// scanOptions is the fixed set of agents, deciders and reuse flags requested
// for every scan.
type scanOptions struct {
	Analysis analysisOptions `json:"analysis"`
	Decider  deciderOptions  `json:"decider"`
	Reuse    reuseOptions    `json:"reuse"`
}

type analysisOptions struct {
	Bucket               bool `json:"bucket"`
	CopyrightEmailAuthor bool `json:"copyright_email_author"`
	ECC                  bool `json:"ecc"`
	Keyword              bool `json:"keyword"`
	Mime                 bool `json:"mime"`
	Monk                 bool `json:"monk"`
	Nomos                bool `json:"nomos"`
	Ojo                  bool `json:"ojo"`
	Package              bool `json:"package"`
}

type deciderOptions struct {
	NomosMonk  bool `json:"nomos_monk"`
	BulkReused bool `json:"bulk_reused"`
	NewScanner bool `json:"new_scanner"`
	OjoDecider bool `json:"ojo_decider"`
}

type reuseOptions struct {
	ReuseUpload   int  `json:"reuse_upload"`
	ReuseGroup    int  `json:"reuse_group"`
	ReuseMain     bool `json:"reuse_main"`
	ReuseEnhanced bool `json:"reuse_enhanced"`
}

func defaultScanOptions() scanOptions {
	return scanOptions{
		Analysis: analysisOptions{
			Bucket:               true,
			CopyrightEmailAuthor: true,
			ECC:                  true,
			Keyword:              true,
			Mime:                 true,
			Monk:                 true,
			Nomos:                true,
			Ojo:                  true,
			Package:              true,
		},
		Decider: deciderOptions{
			NomosMonk:  true,
			BulkReused: true,
			NewScanner: true,
			OjoDecider: true,
		},
		Reuse: reuseOptions{ReuseMain: true, ReuseEnhanced: true},
	}
}

var errEmptyJobList = errors.New("no jobs listed for upload")

func jobIDString(id int) string { return strconv.Itoa(id) }
