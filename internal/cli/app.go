package cli

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"mailsync/internal/attachment"
	"mailsync/internal/config"
	"mailsync/internal/folders"
	"mailsync/internal/imap"
	"mailsync/internal/lock"
	"mailsync/internal/logging"
	"mailsync/internal/mirror"
	"mailsync/internal/outbound"
	"mailsync/internal/smtp"
	"mailsync/internal/store"
	"mailsync/internal/syncer"
)

// app holds the components shared by commands that touch the local store.
type app struct {
	cfg         config.Config
	log         zerolog.Logger
	store       *store.SQLStore
	imap        *imap.Service
	attachments *attachment.Store
	locker      *lock.Locker
}

func openApp(cfg config.Config) (*app, error) {
	if err := config.ValidateStore(cfg); err != nil {
		return nil, err
	}
	log := logging.New(cfg.Log)

	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := os.MkdirAll(cfg.Attachments.Dir, 0o700); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ensure attachment dir: %w", err)
	}

	log.Debug().Str("driver", st.Driver()).Str("username", logging.MaskEmail(cfg.Auth.Username)).Msg("Store opened")
	return &app{
		cfg:         cfg,
		log:         log,
		store:       st,
		imap:        imap.NewService(cfg, log),
		attachments: attachment.New(cfg.Attachments, log),
		locker:      lock.New(cfg.Lock, log),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func (a *app) engine() *syncer.Engine {
	return syncer.NewEngine(a.cfg.Sync, syncer.IMAPDialer(a.imap), a.store, a.attachments, a.log).
		WithFolderNames(a.folderNames())
}

func (a *app) reconciler() *folders.Reconciler {
	return folders.NewReconciler(a.store, a.log).WithNames(a.folderNames())
}

// folderNames maps roles to the folder names set under defaults.
func (a *app) folderNames() map[folders.Role]string {
	return map[folders.Role]string{
		folders.RoleSent:   a.cfg.Defaults.SentMailbox,
		folders.RoleDrafts: a.cfg.Defaults.DraftsMailbox,
	}
}

func (a *app) coordinator() *syncer.Coordinator {
	return syncer.NewCoordinator(a.cfg, a.engine(), a.locker, syncer.NewHub(), a.log)
}

func (a *app) dispatcher() *outbound.Dispatcher {
	var dial outbound.Dialer
	if config.ValidateIMAP(a.cfg) == nil {
		dial = outbound.IMAPDialer(a.imap)
	}
	return outbound.NewDispatcher(a.cfg, a.store, smtp.NewTransport(a.cfg, a.log), dial, a.locker, a.attachments, a.log)
}

func (a *app) mirror() *mirror.Mirror {
	var dial mirror.Dialer
	if config.ValidateIMAP(a.cfg) == nil {
		dial = mirror.IMAPDialer(a.imap)
	}
	return mirror.New(a.store, a.attachments, dial, a.log)
}

// withApp loads the config and opens the app for the duration of fn.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
