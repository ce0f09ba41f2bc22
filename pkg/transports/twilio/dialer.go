package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/voxlane/voxlane/pkg/errorsx"
	"github.com/voxlane/voxlane/pkg/transports"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

// Dialer provides outbound call creation via the Twilio REST API.
type Dialer struct {
	cfg    Config
	client callCreator
}

// NewDialer creates a new Twilio dialer.
func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial places an outbound call. opts.Params are appended to the voice
// webhook URL so they can be forwarded into the media stream.
func (d *Dialer) Dial(ctx context.Context, to, from string, opts transports.DialOptions) (string, error) {
	_ = ctx
	if to == "" {
		return "", errors.New("to required")
	}
	if from == "" {
		from = d.cfg.FromNumber
	}
	if from == "" {
		return "", errors.New("from required")
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errors.New("missing twilio credentials")
	}

	voiceURL := d.voiceWebhookURL()
	if len(opts.Params) > 0 {
		q := url.Values{}
		for k, v := range opts.Params {
			q.Set(k, v)
		}
		voiceURL += "?" + q.Encode()
	}

	client := d.client
	if client == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: d.cfg.AccountSID,
			Password: d.cfg.AuthToken,
		})
		client = rest.Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(voiceURL)
	params.SetStatusCallback(d.statusCallbackURLForDial())
	resp, err := client.CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonDial)
	}
	if resp == nil || resp.Sid == nil {
		return "", fmt.Errorf("missing call sid")
	}
	return *resp.Sid, nil
}

func (d *Dialer) voiceWebhookURL() string {
	if d.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.VoicePath
	}
	addr := d.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr + d.cfg.VoicePath
}

func (d *Dialer) statusCallbackURLForDial() string {
	if d.cfg.PublicURL != "" {
		return "https://" + normalizePublicURL(d.cfg.PublicURL) + d.cfg.StatusCallbackPath
	}
	addr := d.cfg.ServerAddr
	if addr == "" {
		addr = ":8080"
	}
	if addr[0] == ':' {
		addr = "localhost" + addr
	}
	return "http://" + addr + d.cfg.StatusCallbackPath
}

var _ transports.OutboundDialer = (*Dialer)(nil)
