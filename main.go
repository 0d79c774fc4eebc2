package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
)

type whoamiCmd struct{}

type sendCmd struct {
	To      string `arg:"positional,required" help:"recipient public key or group id"`
	Text    string `arg:"positional,required" help:"message content"`
	Encrypt bool   `arg:"-e,--encrypt" help:"seal content to the recipient's box key"`
	Retries int    `arg:"--retries" default:"0" help:"retry a failed submission this many times"`
}

type messagesCmd struct {
	Group  string `arg:"-g,--group" help:"list one group instead of direct conversations"`
	With   string `arg:"--with" help:"only the conversation with this public key"`
	Cached bool   `arg:"--cached" help:"read the local cache instead of the ledger"`
	Limit  int    `arg:"--limit" default:"50"`
}

type groupsCmd struct {
	Cached bool `arg:"--cached" help:"read the local cache instead of the ledger"`
}

type groupCmd struct {
	ID string `arg:"positional,required"`
}

type createGroupCmd struct {
	Name    string   `arg:"positional,required"`
	Members []string `arg:"positional" help:"member public keys; you are always included"`
}

type memberCmd struct {
	Group  string `arg:"positional,required"`
	Member string `arg:"positional,required"`
}

type trustKeyCmd struct {
	Identity string `arg:"positional,required" help:"contact public key"`
	BoxKey   string `arg:"positional,required" help:"contact's base64 box key from their whoami"`
}

type watchCmd struct {
	Group    string `arg:"-g,--group" help:"select a group on start"`
	To       string `arg:"--to" help:"default target for lines typed on stdin"`
	Discover bool   `arg:"--discover" help:"find the push relay on the local network"`
}

type advertiseCmd struct {
	Name   string `arg:"--name" default:"ledgerchat relay"`
	Port   int    `arg:"--port,required"`
	Path   string `arg:"--path" default:"/ws"`
	Secure bool   `arg:"--secure"`
}

type args struct {
	Verbose bool `arg:"-v,--verbose" help:"development logging"`

	Whoami         *whoamiCmd      `arg:"subcommand:whoami" help:"print identity and settings"`
	Send           *sendCmd        `arg:"subcommand:send" help:"send a direct or group message"`
	Messages       *messagesCmd    `arg:"subcommand:messages" help:"list messages"`
	Groups         *groupsCmd      `arg:"subcommand:groups" help:"list your groups"`
	Group          *groupCmd       `arg:"subcommand:group" help:"show one group"`
	CreateGroup    *createGroupCmd `arg:"subcommand:create-group" help:"create a group"`
	AddMember      *memberCmd      `arg:"subcommand:add-member" help:"add a member to a group"`
	RemoveMember   *memberCmd      `arg:"subcommand:remove-member" help:"remove a member from a group"`
	TrustKey       *trustKeyCmd    `arg:"subcommand:trust-key" help:"record a contact's box key for encrypted sends"`
	Watch          *watchCmd       `arg:"subcommand:watch" help:"follow conversations until interrupted"`
	AdvertiseRelay *advertiseCmd   `arg:"subcommand:advertise-relay" help:"announce a push relay over mDNS"`
}

func (args) Description() string {
	return "ledgerchat exchanges direct and group messages recorded on a ledger program.\n"
}

func main() {
	var cli args
	parser := arg.MustParse(&cli)
	if parser.Subcommand() == nil {
		parser.WriteHelp(os.Stdout)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cli.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	defer a.close()

	switch {
	case cli.Whoami != nil:
		err = a.whoami()
	case cli.Send != nil:
		err = a.send(ctx, cli.Send)
	case cli.Messages != nil:
		err = a.messages(ctx, cli.Messages)
	case cli.Groups != nil:
		err = a.groups(ctx, cli.Groups)
	case cli.Group != nil:
		err = a.group(ctx, cli.Group)
	case cli.CreateGroup != nil:
		err = a.createGroup(ctx, cli.CreateGroup)
	case cli.AddMember != nil:
		err = a.addMember(ctx, cli.AddMember)
	case cli.RemoveMember != nil:
		err = a.removeMember(ctx, cli.RemoveMember)
	case cli.TrustKey != nil:
		err = a.trustKey(cli.TrustKey)
	case cli.Watch != nil:
		err = a.watch(ctx, cli.Watch)
	case cli.AdvertiseRelay != nil:
		err = a.advertiseRelay(ctx, cli.AdvertiseRelay)
	}
	if err != nil {
		a.log.Debugw("ledgerchat: command failed", "error", err)
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		a.close()
		os.Exit(1)
	}
}
