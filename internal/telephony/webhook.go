package telephony

import (
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/voxline/voxline/internal/call"
)

// StreamPath is the WebSocket path the webhook points inbound calls at.
const StreamPath = "/ws/stream"

// twimlResponse is the root of a voice-webhook reply document.
type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Reject  *twimlReject  `xml:"Reject,omitempty"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Hangup  *struct{}     `xml:"Hangup,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlReject struct {
	Reason string `xml:"reason,attr,omitempty"`
}

type twimlSay struct {
	Text string `xml:",chardata"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL        string           `xml:"url,attr"`
	Parameters []twimlParameter `xml:"Parameter"`
}

type twimlParameter struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

// Webhook answers the provider's inbound-call HTTP request with
// instructions: connect known numbers to the media stream, reject unknown
// ones, and turn callers away politely when all lines are busy.
type Webhook struct {
	lookup     call.BusinessLookup
	registry   *call.Registry
	publicHost string
	maxCalls   int
}

// NewWebhook builds the inbound-call webhook. publicHost is the externally
// reachable host (and optional port) the stream URL is built from. maxCalls
// caps concurrent calls; zero means unlimited.
func NewWebhook(lookup call.BusinessLookup, registry *call.Registry, publicHost string, maxCalls int) *Webhook {
	return &Webhook{
		lookup:     lookup,
		registry:   registry,
		publicHost: publicHost,
		maxCalls:   maxCalls,
	}
}

// ServeHTTP handles the provider's voice webhook form post.
func (wh *Webhook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	callSID := r.PostFormValue("CallSid")
	from := r.PostFormValue("From")
	to := r.PostFormValue("To")

	slog.Info("inbound call", "call_sid", callSID, "from", from, "to", to)

	business, err := wh.lookup(r.Context(), to)
	if err != nil {
		slog.Error("business lookup failed", "to", to, "error", err)
		writeTwiML(w, twimlResponse{
			Say:    &twimlSay{Text: "Sorry, something went wrong. Please try again later."},
			Hangup: &struct{}{},
		})
		return
	}
	if business == nil {
		slog.Warn("call for unconfigured number rejected", "to", to)
		writeTwiML(w, twimlResponse{Reject: &twimlReject{Reason: "rejected"}})
		return
	}

	if wh.maxCalls > 0 && wh.registry.Len() >= wh.maxCalls {
		slog.Warn("call turned away at capacity",
			"call_sid", callSID, "active", wh.registry.Len())
		writeTwiML(w, twimlResponse{
			Say:    &twimlSay{Text: "Sorry, all our lines are busy right now. Please call again in a few minutes."},
			Hangup: &struct{}{},
		})
		return
	}

	writeTwiML(w, twimlResponse{
		Connect: &twimlConnect{Stream: twimlStream{
			URL: wh.streamURL(r),
			Parameters: []twimlParameter{
				{Name: paramCallerNumber, Value: from},
				{Name: paramDialedNumber, Value: to},
			},
		}},
	})
}

// streamURL builds the media-stream WebSocket URL. Local hosts get plain
// ws for development; everything else is wss.
func (wh *Webhook) streamURL(r *http.Request) string {
	host := wh.publicHost
	if host == "" {
		host = r.Host
	}
	scheme := "wss"
	if strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.") {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, StreamPath)
}

func writeTwiML(w http.ResponseWriter, resp twimlResponse) {
	body, err := xml.MarshalIndent(resp, "", "  ")
	if err != nil {
		http.Error(w, "twiml marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprint(w, xml.Header)
	w.Write(body)
}
