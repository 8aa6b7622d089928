package twilio

import (
	"encoding/xml"
)

// Response is a TwiML document.
type Response struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any
}

type Play struct {
	XMLName xml.Name `xml:"Play"`
	URL     string   `xml:",chardata"`
}

type Say struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type Gather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr,omitempty"`
	Method        string   `xml:"method,attr,omitempty"`
	Timeout       int      `xml:"timeout,attr"`
	SpeechTimeout string   `xml:"speechTimeout,attr"`
	BargeIn       bool     `xml:"bargeIn,attr"`
	Language      string   `xml:"language,attr"`
	Hints         string   `xml:"hints,attr,omitempty"`
	Verbs         []any
}

type Redirect struct {
	XMLName xml.Name `xml:"Redirect"`
	URL     string   `xml:",chardata"`
}

type Pause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type Hangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

type Start struct {
	XMLName xml.Name `xml:"Start"`
	Stream  Stream
}

type Stream struct {
	XMLName xml.Name `xml:"Stream"`
	URL     string   `xml:"url,attr"`
}

// String renders the document with an XML declaration.
func (r Response) String() string {
	out, err := xml.Marshal(r)
	if err != nil {
		// Only fixed verb types are ever added.
		panic(err)
	}
	return xml.Header + string(out)
}

func (c *Controller) gather(verbs ...any) Gather {
	return Gather{
		Input:         "speech",
		Action:        c.config.GatherAction,
		Method:        methodFor(c.config.GatherAction),
		Timeout:       5,
		SpeechTimeout: "auto",
		BargeIn:       true,
		Language:      c.config.Language,
		Hints:         c.config.Hints,
		Verbs:         verbs,
	}
}

func methodFor(action string) string {
	if action == "" {
		return ""
	}
	return "POST"
}

// hold keeps the call open once the gather times out without input.
func (c *Controller) hold() any {
	if c.config.RedirectURL != "" {
		return Redirect{URL: c.config.RedirectURL}
	}
	return Pause{Length: c.config.HoldSeconds}
}

// PlayTwiML plays audioURL inside a barge-in enabled gather.
func (c *Controller) PlayTwiML(audioURL string) string {
	return Response{Verbs: []any{c.gather(Play{URL: audioURL}), c.hold()}}.String()
}

// SayTwiML speaks text with the carrier voice inside a barge-in enabled gather.
func (c *Controller) SayTwiML(text string) string {
	return Response{Verbs: []any{c.gather(Say{Voice: c.config.Voice, Text: text}), c.hold()}}.String()
}

// StopTwiML cuts off whatever the call is playing but keeps listening and
// holding, so the call and its media stream stay up.
func (c *Controller) StopTwiML() string {
	return Response{Verbs: []any{c.gather(), c.hold()}}.String()
}

// HangupTwiML optionally says farewell, then ends the call.
func (c *Controller) HangupTwiML(farewell string) string {
	r := Response{}
	if farewell != "" {
		r.Verbs = append(r.Verbs, Say{Voice: c.config.Voice, Text: farewell})
	}
	r.Verbs = append(r.Verbs, Hangup{})
	return r.String()
}

// StreamTwiML starts a media stream to streamURL and, if greeting is set,
// speaks it while the stream connects.
func (c *Controller) StreamTwiML(streamURL, greeting string) string {
	r := Response{Verbs: []any{Start{Stream: Stream{URL: streamURL}}}}
	if greeting != "" {
		r.Verbs = append(r.Verbs, Say{Voice: c.config.Voice, Text: greeting})
	}
	r.Verbs = append(r.Verbs, c.gather(Pause{Length: 1}))
	return r.String()
}
