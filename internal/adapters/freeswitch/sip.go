package freeswitch

import (
	"context"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
)

// sipCaller drives the media leg toward the backend. The event socket only
// carries control; the SDP offer/answer travels over a SIP INVITE into the
// conference extension.
type sipCaller struct {
	ua     *sipgo.UserAgent
	client *sipgo.Client
	dialog *sipgo.DialogUA
}

// sipCall is one established dialog. CallID correlates the dialog with the
// channel events the socket reports for it.
type sipCall struct {
	session *sipgo.DialogClientSession
	CallID  string
	Answer  string
}

func newSIPCaller(userAgent, contactUser, hostname string) (*sipCaller, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgent(userAgent))
	if err != nil {
		return nil, core.NewError(core.ErrConnectionError, err.Error())
	}
	client, err := sipgo.NewClient(ua, sipgo.WithClientHostname(hostname))
	if err != nil {
		ua.Close()
		return nil, core.NewError(core.ErrConnectionError, err.Error())
	}
	return &sipCaller{
		ua:     ua,
		client: client,
		dialog: &sipgo.DialogUA{
			Client:     client,
			ContactHDR: sip.ContactHeader{Address: sip.Uri{User: contactUser, Host: hostname}},
		},
	}, nil
}

// Call INVITEs the given extension with the offer and waits for the answered
// dialog. The caller owns the returned call and must Hangup it.
func (s *sipCaller) Call(ctx context.Context, host string, port int, extension, offer string) (*sipCall, error) {
	recipient := sip.Uri{User: extension, Host: host, Port: port}
	session, err := s.dialog.Invite(ctx, recipient, []byte(offer),
		sip.NewHeader("Content-Type", "application/sdp"))
	if err != nil {
		return nil, core.NewError(core.ErrConnectionError, err.Error())
	}
	if err := session.WaitAnswer(ctx, sipgo.AnswerOptions{}); err != nil {
		_ = session.Close()
		return nil, core.NewError(core.ErrAnswerProcessFailed, err.Error())
	}
	if err := session.Ack(ctx); err != nil {
		_ = session.Close()
		return nil, core.NewError(core.ErrConnectionError, err.Error())
	}
	callID := session.InviteRequest.CallID().Value()
	answer := string(session.InviteResponse.Body())
	log.Debug().Str("module", "adapters.freeswitch").Str("callId", callID).
		Str("extension", extension).Msg("dialog established")
	return &sipCall{session: session, CallID: callID, Answer: answer}, nil
}

func (c *sipCall) Hangup(ctx context.Context) error {
	if err := c.session.Bye(ctx); err != nil {
		_ = c.session.Close()
		return core.Normalize(err)
	}
	return c.session.Close()
}

func (s *sipCaller) Close() {
	if s.client != nil {
		_ = s.client.Close()
	}
	if s.ua != nil {
		_ = s.ua.Close()
	}
}
