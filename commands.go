package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"ledgerchat/address"
	"ledgerchat/config"
	"ledgerchat/crypto"
	"ledgerchat/discovery"
	"ledgerchat/groups"
	"ledgerchat/ledger"
	"ledgerchat/models"
	"ledgerchat/network"
	"ledgerchat/pipeline"
	"ledgerchat/presence"
	"ledgerchat/repository"
	"ledgerchat/storage"
)

type app struct {
	cfg       *config.ClientConfig
	cfgPath   string
	log       *zap.SugaredLogger
	wallet    *crypto.Wallet
	boxKey    *crypto.BoxKey
	directory *crypto.KeyDirectory
	repo      *repository.Repository
	store     *storage.Store
	tracker   *presence.Tracker

	closed bool
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		logger, err = cfg.Build()
	}
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func newApp(verbose bool) (*app, error) {
	log, err := newLogger(verbose)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	wallet, err := crypto.LoadOrCreateWallet(cfg.WalletKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	boxKey, err := crypto.EnsureBoxKey(cfg.BoxKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load box key: %w", err)
	}
	directory, err := crypto.LoadKeyDirectory(cfg.KeyDirectoryPath)
	if err != nil {
		return nil, fmt.Errorf("load key directory: %w", err)
	}

	programID, err := address.Parse(cfg.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("program id %q: %w", cfg.ProgramID, err)
	}

	gateway := ledger.NewRPCClient(ledger.RPCOptions{
		Endpoint:   cfg.RPCURL,
		ProgramID:  programID,
		Commitment: cfg.Commitment,
		Logger:     log,
	})

	// Received sealed content is always opened; sealing outbound content
	// follows the encryption setting.
	sealer := crypto.NewBoxSealer(directory, boxKey)
	opts := repository.Options{
		Gateway:   gateway,
		Wallet:    wallet,
		ProgramID: programID,
		Opener:    sealer,
		Logger:    log,
	}
	if cfg.EnableEncryption {
		opts.Sealer = sealer
	}
	repo, err := repository.New(opts)
	if err != nil {
		return nil, err
	}

	store, dbPath, err := storage.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Debugw("ledgerchat: storage opened", "path", dbPath)

	return &app{
		cfg:       cfg,
		cfgPath:   cfgPath,
		log:       log,
		wallet:    wallet,
		boxKey:    boxKey,
		directory: directory,
		repo:      repo,
		store:     store,
		tracker:   presence.NewTracker(presence.Options{TTL: 2 * cfg.PollInterval()}),
	}, nil
}

func (a *app) close() {
	if a.closed {
		return
	}
	a.closed = true
	if err := a.store.Close(); err != nil {
		a.log.Warnw("ledgerchat: close storage failed", "error", err)
	}
	_ = a.log.Sync()
}

func (a *app) newPipeline(afterConfirm func(context.Context)) *pipeline.Pipeline {
	return pipeline.New(pipeline.Options{
		Sender:        a.repo,
		Presence:      a.tracker,
		SubmitTimeout: a.cfg.SubmitTimeout(),
		AfterConfirm:  afterConfirm,
		OnTransition: func(attempt pipeline.Attempt) {
			a.log.Debugw("ledgerchat: send transition", "id", attempt.ID, "state", attempt.State.String(), "target", attempt.Target.String())
		},
		Logger: a.log,
	})
}

func (a *app) whoami() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "identity\t%s\n", a.wallet.PublicKey())
	fmt.Fprintf(w, "fingerprint\t%s\n", crypto.FormatFingerprint(a.wallet.Fingerprint()))
	fmt.Fprintf(w, "box key\t%s\n", a.boxKey.EncodedPublic())
	fmt.Fprintf(w, "program\t%s\n", a.repo.ProgramID())
	fmt.Fprintf(w, "rpc\t%s (%s)\n", a.cfg.RPCURL, a.cfg.Network)
	fmt.Fprintf(w, "config\t%s\n", a.cfgPath)
	fmt.Fprintf(w, "data dir\t%s\n", a.cfg.DataDir)
	return w.Flush()
}

func (a *app) send(ctx context.Context, cmd *sendCmd) error {
	target, err := parseTarget(cmd.To)
	if err != nil {
		return err
	}
	p := a.newPipeline(nil)

	attempt, err := p.Send(ctx, target, cmd.Text, cmd.Encrypt)
	for retries := cmd.Retries; err != nil && retries > 0 && attempt.Fingerprint != ""; retries-- {
		a.log.Infow("ledgerchat: retrying failed send", "fingerprint", attempt.Fingerprint, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		attempt, err = p.Retry(ctx, attempt.Fingerprint)
	}
	if err != nil {
		if attempt.Fingerprint != "" {
			return fmt.Errorf("send %s failed: %w", attempt.Fingerprint, err)
		}
		return err
	}

	fmt.Printf("sent %s\nsignature %s\n", attempt.Message.Address, attempt.Signature)
	return nil
}

func (a *app) messages(ctx context.Context, cmd *messagesCmd) error {
	var (
		list []models.Message
		err  error
	)
	if cmd.Cached {
		list, err = a.store.GetMessages(cmd.Group, cmd.Limit)
	} else {
		list, err = a.repo.ListMessages(ctx, a.repo.Identity(), cmd.Group)
		if err == nil {
			if saveErr := a.store.SaveMessages(cmd.Group, list); saveErr != nil {
				a.log.Warnw("ledgerchat: cache messages failed", "error", saveErr)
			}
		}
	}
	if err != nil {
		return err
	}

	if cmd.With != "" {
		peer, err := address.Parse(cmd.With)
		if err != nil {
			return fmt.Errorf("peer %q: %w", cmd.With, err)
		}
		filtered := list[:0]
		for _, m := range list {
			if !m.IsGroupMessage() && m.Counterpart(a.repo.Identity()) == peer {
				filtered = append(filtered, m)
			}
		}
		list = filtered
	}
	if cmd.Limit > 0 && len(list) > cmd.Limit {
		list = list[:cmd.Limit]
	}

	printMessages(a.repo.Identity(), list)
	return nil
}

func (a *app) groups(ctx context.Context, cmd *groupsCmd) error {
	var (
		list []models.Group
		err  error
	)
	if cmd.Cached {
		list, err = a.store.ListGroups()
	} else {
		list, err = a.repo.ListGroups(ctx, a.repo.Identity())
		if err == nil {
			if saveErr := a.store.SaveGroups(list); saveErr != nil {
				a.log.Warnw("ledgerchat: cache groups failed", "error", saveErr)
			}
		}
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMEMBERS\tCREATED")
	for _, g := range list {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", g.ID, g.Name, len(g.Participants), formatMillis(g.CreatedAt))
	}
	return w.Flush()
}

func (a *app) group(ctx context.Context, cmd *groupCmd) error {
	g, ok, err := a.repo.GetGroup(ctx, cmd.ID)
	if err != nil {
		return err
	}
	if !ok {
		cached, err := a.store.GetGroup(cmd.ID)
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("group %q not found", cmd.ID)
		}
		if err != nil {
			return err
		}
		g = cached
	}
	printGroup(g)
	return nil
}

func (a *app) createGroup(ctx context.Context, cmd *createGroupCmd) error {
	members, err := parseKeys(cmd.Members)
	if err != nil {
		return err
	}
	g, sig, err := a.repo.CreateGroup(ctx, cmd.Name, members)
	if err != nil {
		return err
	}
	printGroup(g)
	fmt.Printf("signature %s\n", sig)
	return nil
}

func (a *app) addMember(ctx context.Context, cmd *memberCmd) error {
	return a.changeMembership(ctx, cmd, (*groups.Manager).AddMember)
}

func (a *app) removeMember(ctx context.Context, cmd *memberCmd) error {
	return a.changeMembership(ctx, cmd, (*groups.Manager).RemoveMember)
}

type membershipFunc func(*groups.Manager, context.Context, string, address.PublicKey) (models.Group, ledger.Signature, error)

func (a *app) changeMembership(ctx context.Context, cmd *memberCmd, change membershipFunc) error {
	member, err := address.Parse(cmd.Member)
	if err != nil {
		return fmt.Errorf("member %q: %w", cmd.Member, err)
	}
	g, sig, err := change(groups.NewManager(a.repo, a.log), ctx, cmd.Group, member)
	if err != nil {
		return err
	}
	printGroup(g)
	if !sig.IsZero() {
		fmt.Printf("signature %s\n", sig)
	}
	return nil
}

func (a *app) trustKey(cmd *trustKeyCmd) error {
	identity, err := address.Parse(cmd.Identity)
	if err != nil {
		return fmt.Errorf("identity %q: %w", cmd.Identity, err)
	}
	if err := a.directory.AddEncoded(identity, cmd.BoxKey); err != nil {
		return err
	}
	if err := crypto.SaveKeyDirectory(a.cfg.KeyDirectoryPath, a.directory); err != nil {
		return err
	}
	fmt.Printf("trusted %s (%s)\n", identity, crypto.FormatFingerprint(crypto.KeyFingerprint(identity)))
	return nil
}

func (a *app) watch(ctx context.Context, cmd *watchCmd) error {
	if pruned, err := a.store.PruneReceipts(time.Now().Add(-storage.DefaultReceiptRetention).UnixMilli()); err != nil {
		a.log.Warnw("ledgerchat: prune receipts failed", "error", err)
	} else if pruned > 0 {
		a.log.Infow("ledgerchat: pruned receipts", "count", pruned)
	}

	opts := network.EngineOptions{
		Repository:      a.repo,
		Group:           cmd.Group,
		PollInterval:    a.cfg.PollInterval(),
		DisableAutoRead: a.cfg.DisableAutoRead,
		Receipts:        a.store,
		Cache:           a.store,
		Presence:        a.tracker,
		OnMessages: func(group string, list []models.Message) {
			scope := "direct"
			if group != "" {
				scope = group
			}
			fmt.Printf("-- %s: %d messages\n", scope, len(list))
			printMessages(a.repo.Identity(), list)
		},
		OnStateChange: func(state network.ConnState, err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "push %s: %v\n", state, err)
				return
			}
			fmt.Fprintf(os.Stderr, "push %s\n", state)
		},
		Logger: a.log,
	}
	if a.cfg.EnableWebSocket {
		opts.Dialer = network.WebSocketDialer{Logger: a.log}
		opts.URL = a.cfg.WSURL
		if cmd.Discover || a.cfg.RelayDiscovery {
			relay, err := discovery.ResolveRelay(ctx, discovery.Config{ProgramID: a.cfg.ProgramID})
			switch {
			case err == nil:
				opts.URL = relay.URL()
				a.log.Infow("ledgerchat: using discovered relay", "instance", relay.Instance, "url", opts.URL)
			case errors.Is(err, discovery.ErrNoRelay):
				a.log.Infow("ledgerchat: no relay on the local network, using configured url", "url", opts.URL)
			default:
				return err
			}
		}
	}

	engine, err := network.NewEngine(opts)
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Close()

	p := a.newPipeline(func(ctx context.Context) {
		if err := engine.Refresh(ctx); err != nil {
			a.log.Warnw("ledgerchat: refresh after send failed", "error", err)
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			a.handleLine(ctx, engine, p, cmd.To, line)
		}
	}
}

// handleLine runs one line typed during watch. Plain text is sent to the
// default target or, without one, to the selected group.
func (a *app) handleLine(ctx context.Context, engine *network.Engine, p *pipeline.Pipeline, defaultTo, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "/group":
		if err := engine.SelectGroup(ctx, rest); err != nil {
			fmt.Fprintf(os.Stderr, "select group: %v\n", err)
		}
	case "/pending":
		for _, entry := range p.Pending() {
			fmt.Printf("%s\t%s\tattempts=%d\t%s\n", entry.Fingerprint, entry.Target, entry.Attempts, entry.Error)
		}
	case "/retry":
		if _, err := p.Retry(ctx, rest); err != nil {
			fmt.Fprintf(os.Stderr, "retry: %v\n", err)
		}
	case "/dismiss":
		if err := p.Dismiss(rest); err != nil {
			fmt.Fprintf(os.Stderr, "dismiss: %v\n", err)
		}
	case "/online":
		for _, identity := range a.tracker.Online() {
			fmt.Println(identity)
		}
	case "/refresh":
		if err := engine.Refresh(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "refresh: %v\n", err)
		}
	default:
		to := defaultTo
		if to == "" {
			to = engine.Group()
		}
		if to == "" {
			fmt.Fprintln(os.Stderr, "no target: start with --to or select a group")
			return
		}
		target, err := parseTarget(to)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return
		}
		encrypt := a.cfg.EnableEncryption && !target.IsGroup()
		if _, ok := a.directory.Lookup(target.Recipient); encrypt && !ok {
			encrypt = false
		}
		attempt, err := p.Send(ctx, target, line, encrypt)
		if err != nil {
			if attempt.Fingerprint != "" {
				fmt.Fprintf(os.Stderr, "send failed, /retry %s\n", attempt.Fingerprint)
				return
			}
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
	}
}

func (a *app) advertiseRelay(ctx context.Context, cmd *advertiseCmd) error {
	adv, err := discovery.Advertise(discovery.Config{
		InstanceName: cmd.Name,
		Port:         cmd.Port,
		Path:         cmd.Path,
		Secure:       cmd.Secure,
		ProgramID:    a.cfg.ProgramID,
	})
	if err != nil {
		return err
	}
	defer adv.Stop()

	fmt.Printf("advertising %q on port %d until interrupted\n", cmd.Name, cmd.Port)
	<-ctx.Done()
	return nil
}

// parseTarget reads a base58 identity as a direct target and anything else as
// a group id.
func parseTarget(text string) (models.Target, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Target{}, errors.New("target is empty")
	}
	if key, err := address.Parse(text); err == nil {
		return models.DirectTarget(key), nil
	}
	if !strings.HasPrefix(text, "group_") {
		return models.Target{}, fmt.Errorf("target %q is neither a public key nor a group id", text)
	}
	return models.GroupTarget(text), nil
}

func parseKeys(texts []string) ([]address.PublicKey, error) {
	keys := make([]address.PublicKey, 0, len(texts))
	for _, text := range texts {
		key, err := address.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("member %q: %w", text, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func printMessages(self address.PublicKey, list []models.Message) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, m := range list {
		direction := "<-"
		peer := m.Sender
		if m.Sender == self {
			direction = "->"
			peer = m.Recipient
		}
		content := m.Content
		if m.IsEncrypted && m.Recipient != self {
			content = "[sealed]"
		}
		fmt.Fprintf(w, "%s\t%s %s\t[%s]\t%s\n", formatMillis(m.Timestamp), direction, shortKey(peer), m.Status, content)
	}
	_ = w.Flush()
}

func printGroup(g models.Group) {
	fmt.Printf("%s  %q  created %s by %s\n", g.ID, g.Name, formatMillis(g.CreatedAt), shortKey(g.Creator))
	for _, p := range g.Participants {
		fmt.Printf("  %s\n", p)
	}
}

func formatMillis(ms uint64) string {
	return time.UnixMilli(int64(ms)).Format("2006-01-02 15:04:05")
}

func shortKey(key address.PublicKey) string {
	text := key.String()
	if len(text) <= 10 {
		return text
	}
	return text[:4] + ".." + text[len(text)-4:]
}
