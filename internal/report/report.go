// Package report renders consensus results and push outcomes for humans.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"

	"github.com/fatih/color"

	"github.com/didery/didery/internal/consensus"
)

type Verbosity int

const (
	Mute Verbosity = iota
	Terse
	Concise
	Verbose
	Profuse
)

// VerbosityFromFlags maps a -v count to a level. No flag means Terse and
// anything above -vvvv is Profuse.
func VerbosityFromFlags(count int, mute bool) Verbosity {
	switch {
	case mute:
		return Mute
	case count <= 0:
		return Terse
	case count >= int(Profuse):
		return Profuse
	default:
		return Verbosity(count)
	}
}

// urlWidth is the column every state starts at.
const urlWidth = 34

const (
	stateTimeout = "Request Timed Out"
	stateValid   = "Signature Validation Succeeded"
	stateError   = "Error Handling Request"
	stateFailed  = "Signature Validation Failed"
)

// prefix renders "<scheme>://<host>: " padded to the state column.
func prefix(rawURL string) string {
	var head string
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		head = u.Scheme + "://" + u.Host + ": "
	} else {
		head = rawURL + ": "
	}
	return fmt.Sprintf("%-*s", urlWidth, head)
}

func state(r consensus.Result) string {
	switch r.Outcome {
	case consensus.Timeout:
		return stateTimeout
	case consensus.Success:
		return stateValid
	case consensus.HTTPError:
		return fmt.Sprintf("%s, HTTP_%d", stateError, r.HTTPStatus)
	default:
		return stateFailed
	}
}

// Line renders one result as "<scheme>://<host>: <state>[, HTTP_<code>]".
func Line(r consensus.Result) string {
	return prefix(r.URL) + state(r)
}

// Reporter writes user facing output at a fixed verbosity. Anything above its
// level is dropped.
type Reporter struct {
	w         io.Writer
	verbosity Verbosity
	noColor   bool
}

func New(w io.Writer, verbosity Verbosity) *Reporter {
	return &Reporter{w: w, verbosity: verbosity}
}

// WithoutColor disables ANSI sequences regardless of the terminal.
func (r *Reporter) WithoutColor() *Reporter {
	r.noColor = true
	return r
}

func (r *Reporter) printf(level Verbosity, format string, args ...interface{}) {
	if level > r.verbosity || r.verbosity == Mute {
		return
	}
	fmt.Fprintf(r.w, format, args...)
}

func (r *Reporter) paint(attr color.Attribute, s string) string {
	if r.noColor {
		return s
	}
	return color.New(attr).Sprint(s)
}

func (r *Reporter) line(res consensus.Result) string {
	attr := color.FgRed
	switch res.Outcome {
	case consensus.Success:
		attr = color.FgGreen
	case consensus.Timeout:
		attr = color.FgYellow
	}
	return prefix(res.URL) + r.paint(attr, state(res))
}

// Setup prints the servers a command talks to and, at higher levels, the
// payload or DID involved.
func (r *Reporter) Setup(servers []string, data json.RawMessage, did string) {
	r.printf(Terse, "\n")
	r.printf(Concise, "Servers:\n%s\n\n", indent(mustJSON(servers)))
	if len(data) > 0 {
		r.printf(Profuse, "Data:\n%s\n\n", indent(data))
	}
	if did != "" {
		r.printf(Profuse, "Retrieving DID:\t\t%s\n\n", did)
	}
}

// Pulled prints the agreed data, or "Consensus Failed." together with the
// reason each server gave.
func (r *Reporter) Pulled(c *consensus.Consensus, results map[string]consensus.Result) {
	if c != nil {
		r.printf(Terse, "Data:\t%s\n", indent(c.Data()))
		for _, u := range sortedURLs(results) {
			r.printf(Verbose, "%s\n", r.line(results[u]))
		}
		return
	}

	r.printf(Terse, "%s\n\n", r.paint(color.FgRed, "Consensus Failed."))
	for _, u := range sortedURLs(results) {
		r.printf(Concise, "%s\n", r.line(results[u]))
	}
}

// Pushed prints how many servers accepted a write and each server's status.
func (r *Reporter) Pushed(responses consensus.Responses) {
	var successful int
	var concise, profuse strings.Builder

	for _, reply := range responses {
		p := prefix(reply.URL)
		status := reply.Status

		switch {
		case status == 0:
			fmt.Fprintf(&concise, "%sstatus: %s\n", p, r.paint(color.FgYellow, "Timed Out"))
			fmt.Fprintf(&profuse, "%sstatus: Timed Out\n", p)
		case status < 400:
			fmt.Fprintf(&concise, "%sstatus: HTTP_%d\n", p, status)
			fmt.Fprintf(&profuse, "%sstatus: %-9d\t%s\n", p, status, compact(reply.Payload))
		default:
			fmt.Fprintf(&concise, "%sstatus: %s\n", p, r.paint(color.FgRed, fmt.Sprintf("HTTP_%d", status)))
			fmt.Fprintf(&profuse, "%sstatus: %-9d\n", p, status)
		}

		if status >= 200 && status < 300 {
			successful++
		}
	}

	r.printf(Terse, "\n%d/%d requests succeeded.\n\n", successful, len(responses))
	if r.verbosity >= Profuse {
		r.printf(Profuse, "%s", profuse.String())
		return
	}
	r.printf(Concise, "%s", concise.String())
}

func sortedURLs(results map[string]consensus.Result) []string {
	urls := make([]string, 0, len(results))
	for u := range results {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	return urls
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}

func indent(data []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "    "); err != nil {
		return string(data)
	}
	return buf.String()
}

func compact(data []byte) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return string(data)
	}
	return buf.String()
}
