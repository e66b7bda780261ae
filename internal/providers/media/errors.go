package media

import (
	"errors"
	"fmt"
	"strings"

	"genstudio/internal/domain"
)

type codedError struct {
	code domain.Code
	msg  string
}

func (e codedError) Error() string     { return e.msg }
func (e codedError) Code() domain.Code { return e.code }

// ErrNoOutput means the provider reported success but no URL could be found
// in its output.
var ErrNoOutput error = codedError{code: domain.CodeProviderNoOutput, msg: "media: succeeded without output url"}

// ProviderError is a structured remote failure.
type ProviderError struct {
	Provider string
	JobID    string
	Status   string
	Detail   string
	Logs     string
	TimedOut bool
	// Schema marks a create call rejected because of its input shape.
	Schema bool
	Err    error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "media: %s", e.Provider)
	if e.JobID != "" {
		fmt.Fprintf(&b, " job %s", e.JobID)
	}
	switch {
	case e.TimedOut:
		b.WriteString(" timed out")
	case e.Status != "":
		fmt.Fprintf(&b, " %s", e.Status)
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, ": %s", e.Detail)
	} else if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Code() domain.Code {
	switch {
	case e.TimedOut:
		return domain.CodeProviderTimeout
	case e.Schema:
		return domain.CodeProviderSchema
	default:
		return domain.CodeProviderTerminalFailure
	}
}

// Detail converts err into the structured failure recorded on a job.
func Detail(err error) domain.ErrorDetail {
	detail := domain.ErrorDetail{Code: domain.CodeOf(err), Message: err.Error()}
	var perr *ProviderError
	if errors.As(err, &perr) {
		detail.ProviderJobID = perr.JobID
		detail.RemoteStatus = perr.Status
		detail.RemoteError = perr.Detail
	}
	return detail
}

var safetyMarkers = []string{
	"nsfw",
	"safety",
	"content policy",
	"content_policy",
	"flagged",
	"sensitive content",
	"moderation",
}

// IsSafetyRejection reports whether err is a remote failure caused by the
// provider's content filter.
func IsSafetyRejection(err error) bool {
	var perr *ProviderError
	if !errors.As(err, &perr) || perr.TimedOut {
		return false
	}
	text := strings.ToLower(perr.Detail + " " + perr.Logs)
	for _, marker := range safetyMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// isSchemaRejection reports whether err is a 4xx create failure that names
// field.
func isSchemaRejection(err error, field string) bool {
	if field == "" {
		return false
	}
	var herr *HTTPError
	if !errors.As(err, &herr) || herr.StatusCode < 400 || herr.StatusCode >= 500 {
		return false
	}
	return strings.Contains(strings.ToLower(herr.Body), strings.ToLower(field))
}
