package twilio

import (
	"encoding/xml"
	"fmt"
	"sort"
)

// twimlResponse is a Twilio call-control document. Only the verbs the
// gateway emits are modeled.
type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Say     *twimlSay     `xml:"Say,omitempty"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
	Hangup  *struct{}     `xml:"Hangup,omitempty"`
	Reject  *struct{}     `xml:"Reject,omitempty"`
}

type twimlSay struct {
	Voice string `xml:"voice,attr,omitempty"`
	Text  string `xml:",chardata"`
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

func (r twimlResponse) render() ([]byte, error) {
	body, err := xml.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// connectStreamTwiML builds the bidirectional media stream document. Custom
// parameters are sorted by name so the output is deterministic.
func connectStreamTwiML(streamURL string, params map[string]string) twimlResponse {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	stream := twimlStream{URL: streamURL}
	for _, name := range names {
		stream.Parameters = append(stream.Parameters, twimlParameter{Name: name, Value: params[name]})
	}
	return twimlResponse{Connect: &twimlConnect{Stream: stream}}
}
