// Команда test_softphone — дымовая проверка управляющего ядра поверх
// боевого SIP транспорта. Два экземпляра на localhost образуют пару:
//
//	test_softphone -mode callee -listen 127.0.0.1:5061 -user bob
//	test_softphone -mode caller -listen 127.0.0.1:5060 -user alice \
//	    -target sip:bob@127.0.0.1:5061
//
// Вызывающая сторона устанавливает вызов, передаёт DTMF и кладёт трубку;
// принимающая автоматически отвечает на входящие.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/call_control/pkg/siptransport"
	"github.com/arzzra/call_control/pkg/softphone"
	"github.com/arzzra/call_control/pkg/transport"
)

func main() {
	var (
		listenAddr = flag.String("listen", "127.0.0.1:5060", "адрес прослушивания SIP")
		user       = flag.String("user", "alice", "имя пользователя")
		domain     = flag.String("domain", "127.0.0.1", "SIP домен")
		mode       = flag.String("mode", "caller", "режим: caller или callee")
		target     = flag.String("target", "sip:bob@127.0.0.1:5061", "адрес вызываемой стороны")
		tones      = flag.String("dtmf", "1234#", "тоны после установления вызова")
		talkTime   = flag.Duration("talk", 5*time.Second, "длительность вызова")
		debug      = flag.Bool("debug", false, "трассировка SIP сообщений")
	)
	flag.Parse()

	if *debug {
		sip.SIPDebug = true
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	uri := fmt.Sprintf("sip:%s@%s", *user, *domain)
	tr, err := siptransport.New(siptransport.Config{
		URI:        uri,
		ListenAddr: *listenAddr,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("создание транспорта", "error", err)
		os.Exit(1)
	}

	bus := softphone.NewBus()
	phone, err := softphone.New(softphone.Config{URI: uri, Logger: logger}, tr, bus)
	if err != nil {
		logger.Error("создание телефона", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := phone.Start(ctx); err != nil {
		logger.Error("запуск телефона", "error", err)
		os.Exit(1)
	}
	defer func() { _ = phone.Stop() }()

	switch *mode {
	case "callee":
		runCallee(ctx, phone, bus, logger)
	case "caller":
		runCaller(ctx, phone, *target, *tones, *talkTime, logger)
	default:
		fmt.Fprintf(os.Stderr, "неизвестный режим %q; доступны caller и callee\n", *mode)
		os.Exit(1)
	}
}

// runCallee отвечает на каждый входящий вызов и ждёт завершения работы.
func runCallee(ctx context.Context, phone *softphone.Phone, bus *softphone.Bus, logger *slog.Logger) {
	off := bus.On(softphone.EventCallIncoming, func(ev softphone.Event) {
		payload, ok := ev.Payload.(softphone.CallPayload)
		if !ok {
			return
		}
		call, ok := phone.GetCall(payload.Call.ID)
		if !ok {
			return
		}
		logger.Info("входящий вызов", "from", payload.Call.RemoteURI, "id", payload.Call.ID)

		go func() {
			answerCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := call.Answer(answerCtx); err != nil {
				logger.Error("ответ на вызов", "id", call.ID(), "error", err)
				return
			}
			logger.Info("вызов отвечен", "id", call.ID())
		}()
	})
	defer off()

	logger.Info("ожидание входящих вызовов, Ctrl+C для выхода")
	<-ctx.Done()
}

// runCaller выполняет один исходящий вызов: установление, DTMF, отбой.
func runCaller(ctx context.Context, phone *softphone.Phone, target, tones string, talkTime time.Duration, logger *slog.Logger) {
	logger.Info("исходящий вызов", "target", target)

	call, err := phone.Call(target, transport.CallOptions{})
	if err != nil {
		logger.Error("инициация вызова", "error", err)
		return
	}

	active := make(chan struct{})
	off := call.OnStateChange(func(from, to softphone.CallState) {
		logger.Info("состояние вызова", "from", from, "to", to)
		if to == softphone.CallActive {
			select {
			case <-active:
			default:
				close(active)
			}
		}
	})
	defer off()

	select {
	case <-ctx.Done():
		return
	case <-call.Done():
		logger.Warn("вызов завершился до установления", "state", call.State())
		return
	case <-active:
	}

	if tones != "" {
		if err := call.SendDTMF(tones, transport.DTMFOptions{}); err != nil {
			logger.Error("передача DTMF", "error", err)
		} else {
			logger.Info("DTMF передан", "tones", tones)
		}
	}

	select {
	case <-ctx.Done():
	case <-call.Done():
		logger.Info("удалённая сторона положила трубку")
		return
	case <-time.After(talkTime):
	}

	hangupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := call.Hangup(hangupCtx); err != nil {
		logger.Error("завершение вызова", "error", err)
		return
	}
	logger.Info("вызов завершён штатно")
}
