// Command wacrm-pair links one device from the terminal and prints the
// normalized form of every message it receives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/mdp/qrterminal/v3"
	"github.com/talkincode/wacrm/internal/whatsapp"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/types/events"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	dbPath = flag.String("db", "wacrm_pair.db", "device store sqlite file")
	debug  = flag.Bool("debug", false, "verbose whatsmeow logs")
)

func main() {
	flag.Parse()

	zcfg := zap.NewDevelopmentConfig()
	if !*debug {
		zcfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	log, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	zap.ReplaceGlobals(log)
	defer func() { _ = log.Sync() }()

	db, err := gorm.Open(sqlite.Open(*dbPath+"?_pragma=busy_timeout(5000)"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		log.Fatal("open device store", zap.Error(err))
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatal("get sql db", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	container, err := whatsapp.OpenDeviceStore(ctx, sqlDB, "sqlite")
	if err != nil {
		cancel()
		log.Fatal("prepare device store", zap.Error(err))
	}
	device, err := container.GetFirstDevice(ctx)
	cancel()
	if err != nil {
		log.Fatal("load device", zap.Error(err))
	}

	client := whatsmeow.NewClient(device, whatsapp.NewZapLogger("whatsmeow"))
	client.AddEventHandler(func(evt interface{}) {
		switch e := evt.(type) {
		case *events.PairSuccess:
			fmt.Println("Paired as", e.ID.String())
		case *events.Connected:
			fmt.Println("Connected")
		case *events.LoggedOut:
			fmt.Println("Logged out:", e.Reason)
		case *events.Message:
			if e.Message == nil || whatsapp.Ignorable(e.Message) {
				return
			}
			rec := whatsapp.ToRecord(e, 0, "local", "local")
			var duration int64
			if rec.DurationMs != nil {
				duration = *rec.DurationMs
			}
			fmt.Printf("%s %s [%s] %s\n", e.Info.Timestamp.Format(time.Kitchen), e.Info.Chat.User,
				rec.Kind, whatsapp.Preview(rec.Kind, rec.Content, duration))
		}
	})

	if client.Store.ID == nil {
		qrChan, err := client.GetQRChannel(context.Background())
		if err != nil {
			log.Fatal("qr channel", zap.Error(err))
		}
		if err := client.Connect(); err != nil {
			log.Fatal("connect", zap.Error(err))
		}
		go func() {
			for item := range qrChan {
				if item.Event == whatsmeow.QRChannelEventCode {
					fmt.Println("Scan this code with WhatsApp > Linked devices:")
					qrterminal.GenerateHalfBlock(item.Code, qrterminal.L, os.Stdout)
				} else {
					fmt.Println("Pairing:", item.Event)
				}
			}
		}()
	} else if err := client.Connect(); err != nil {
		log.Fatal("connect", zap.Error(err))
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	<-c

	fmt.Println("disconnecting...")
	client.Disconnect()
}
