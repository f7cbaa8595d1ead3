package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tonearm/tonearm/activitypub"
	"github.com/tonearm/tonearm/admin"
	"github.com/tonearm/tonearm/db"
	"github.com/tonearm/tonearm/domain"
	"github.com/tonearm/tonearm/util"
	"github.com/tonearm/tonearm/web"
)

func main() {
	conf, err := util.ReadConf()
	if err != nil {
		log.Fatal("Failed to read configuration", "err", err)
	}
	log.Info("Configuration loaded", "domain", conf.Domain(), "federation", conf.Conf.Federation.Enabled)

	database := db.GetDB()
	defer database.Close()

	svc := activitypub.NewService(database, conf)

	if err := svc.SeedDomains(); err != nil {
		log.Fatal("Failed to seed domain policy", "err", err)
	}

	instance, err := svc.InstanceActor()
	if err != nil {
		log.Fatal("Failed to create instance actor", "err", err)
	}
	log.Info("Instance actor ready", "fid", instance.Fid)

	if len(os.Args) > 1 {
		if err := runCommand(context.Background(), svc, instance, os.Args[1:]); err != nil {
			log.Fatal("Command failed", "err", err)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if conf.Conf.Federation.Enabled {
		go svc.RunDeliveryWorker(ctx)
		go svc.RunCrawlScheduler(ctx)
	}

	if conf.Conf.MusicDirectory != "" {
		go func() {
			if err := svc.ScanMusicDirectory(instance); err != nil {
				log.Warn("Music directory scan failed", "err", err)
			}
		}()
	}

	sshServer, err := admin.NewServer(svc)
	if err != nil {
		log.Fatal("Failed to build SSH server", "err", err)
	}
	go func() {
		if err := sshServer.ListenAndServe(); err != nil {
			log.Fatal("SSH server failed", "err", err)
		}
	}()

	go func() {
		if err := web.Serve(svc); err != nil {
			log.Fatal("HTTP server failed", "err", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Info("Shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := sshServer.Shutdown(shutdownCtx); err != nil {
		log.Error("SSH shutdown failed", "err", err)
	}
}

// runCommand handles the one-shot operator subcommands. They share the store
// with a running daemon, which picks up any queued deliveries on its next tick.
func runCommand(ctx context.Context, svc *activitypub.Service, instance *domain.Actor, args []string) error {
	switch args[0] {
	case "subscribe":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s subscribe <library-url>", util.Name)
		}
		library, follow, err := svc.SubscribeLibrary(ctx, args[1])
		if err != nil {
			return err
		}
		log.Info("Subscribed to library", "name", library.Name, "fid", library.Fid, "state", follow.State)
		return nil

	case "unsubscribe":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s unsubscribe <library-url>", util.Name)
		}
		library, err := svc.DB.ReadLibraryByFid(args[1])
		if err != nil || library == nil {
			return fmt.Errorf("unknown library %s", args[1])
		}
		owner, err := svc.DB.ReadActorById(library.ActorId)
		if err != nil || owner == nil {
			return fmt.Errorf("library owner missing: %w", err)
		}
		follow, err := svc.DB.ReadFollowByPair(instance.Id, owner.Id, library.Id)
		if err != nil || follow == nil {
			return fmt.Errorf("not subscribed to %s", args[1])
		}
		if err := svc.SendUndoFollow(instance, owner, follow); err != nil {
			return err
		}
		log.Info("Unsubscribed from library", "fid", library.Fid)
		return nil

	case "rotate-keys":
		if len(args) != 2 {
			return fmt.Errorf("usage: %s rotate-keys <username>", util.Name)
		}
		actor, err := svc.DB.ReadLocalActorByUsername(args[1])
		if err != nil || actor == nil {
			return fmt.Errorf("no local actor %q", args[1])
		}
		if err := svc.RotateActorKeys(actor); err != nil {
			return err
		}
		log.Info("Rotated actor keys", "fid", actor.Fid)
		return nil

	default:
		return fmt.Errorf("unknown command %q (subscribe, unsubscribe, rotate-keys)", args[0])
	}
}
