// Places a single outbound test call through the configured Twilio
// account, carrying the kb_id/language stream parameters the agent
// reads on call start.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/voxlane/voxlane/pkg/config"
	"github.com/voxlane/voxlane/pkg/transports"
	twiliotransport "github.com/voxlane/voxlane/pkg/transports/twilio"
)

func main() {
	configPath := flag.String("config", "config.yaml", "")
	to := flag.String("to", "", "")
	from := flag.String("from", "", "optional, defaults to twilio.from_number")
	kbID := flag.String("kb", "", "knowledge base id")
	language := flag.String("language", "en", "")
	flag.Parse()
	if *to == "" {
		fmt.Println("usage: place_call -to=+15550001234 [-kb=... -language=en -config=...]")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}

	dialer := twiliotransport.NewDialer(twiliotransport.Config{
		AccountSID: cfg.Twilio.AccountSID,
		AuthToken:  cfg.Twilio.AuthToken,
		FromNumber: cfg.Twilio.FromNumber,
		PublicURL:  cfg.Server.PublicURL,
		ServerAddr: cfg.Server.ListenAddr,
	})

	params := map[string]string{"phone": *to, "language": *language}
	if *kbID != "" {
		params["kb_id"] = *kbID
	}
	callSID, err := dialer.Dial(context.Background(), *to, *from, transports.DialOptions{Params: params})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}
