package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/google/uuid"
	"github.com/lokutor-ai/lokutor-turns/pkg/logging"
	"github.com/lokutor-ai/lokutor-turns/pkg/orchestrator"
	"github.com/lokutor-ai/lokutor-turns/pkg/persona"
	"github.com/lokutor-ai/lokutor-turns/pkg/presenter"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	rec, err := buildRecognizer(cfg)
	if err != nil {
		return err
	}
	gen, err := buildGenerator(cfg)
	if err != nil {
		return err
	}
	tts, err := buildSynthesizer(cfg)
	if err != nil {
		return err
	}
	defer tts.Close()

	player := newDevicePlayer()
	hub := presenter.NewHub(logger.With("component", "presenter"))
	defer hub.Close()

	providers := orchestrator.Providers{
		Recognizer:  rec,
		Generator:   gen,
		Synthesizer: tts,
		Player:      player,
		Presenter:   presenter.Multi{presenter.NewLogPresenter(logger.Zap()), hub},
	}
	if cfg.PersonaFile != "" {
		store, err := persona.Load(cfg.PersonaFile)
		if err != nil {
			return err
		}
		providers.Profiles = store
	}

	orch, err := orchestrator.NewWithLogger(providers, cfg.Engine, logger)
	if err != nil {
		return err
	}

	session, err := orch.NewSessionWithPersona(uuid.NewString(), cfg.Persona)
	if err != nil {
		return err
	}
	if session.GetProfile().SystemPrompt == "" {
		orch.SetSystemPrompt(session, cfg.SystemPrompt)
	}

	machine, err := orch.NewMachine(session)
	if err != nil {
		return err
	}
	player.SetOnPlayed(machine.NotifyPlayed)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if cfg.PresenterAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		srv = &http.Server{Addr: cfg.PresenterAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("presenter server failed", "error", err)
			}
		}()
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("audio context: %w", err)
	}
	defer func() {
		_ = mctx.Uninit()
		mctx.Free()
	}()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Duplex)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(pOutput, pInput []byte, frameCount uint32) {
			if pInput != nil {
				machine.WriteAudio(pInput)
			}
			if pOutput != nil {
				player.fill(pOutput)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("audio device: %w", err)
	}
	defer device.Uninit()

	go func() {
		if err := machine.Run(ctx); err != nil {
			logger.Error("turn machine stopped", "error", err)
		}
	}()

	if err := device.Start(); err != nil {
		machine.ReportMicrophoneError(err)
	}
	if err := machine.Start(); err != nil {
		return err
	}

	fmt.Printf("Configured: STT=%s | LLM=%s | TTS=%s | Persona=%s\n",
		rec.Name(), gen.Name(), tts.Name(), session.GetProfile().Name)
	fmt.Println("Commands: [t] toggle thinking  [s] send now  [i] interrupt  [c] calibrate  [p] pause  [q] quit")

	go readCommands(ctx, machine, stop)
	printEvents(machine.Events(), hub)

	_ = device.Stop()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
	fmt.Println("\nShutting down...")
	return nil
}

// readCommands maps single-letter stdin lines onto machine commands.
func readCommands(ctx context.Context, m *orchestrator.Machine, quit func()) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		var err error
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "t":
			err = m.ToggleThinking()
		case "s":
			err = m.SendNow()
		case "i":
			err = m.Interrupt()
		case "c":
			err = m.Calibrate()
		case "p":
			if m.State() == orchestrator.StateIdle {
				err = m.Start()
			} else {
				err = m.Stop()
			}
		case "q":
			quit()
			return
		}
		if err != nil {
			fmt.Printf("\r\033[K[ERROR] %v\n", err)
		}
	}
}

// printEvents relays engine events to the hub and the terminal until the
// machine closes its event channel.
func printEvents(events <-chan orchestrator.OrchestratorEvent, hub *presenter.Hub) {
	for ev := range events {
		hub.Publish(ev)

		switch ev.Type {
		case orchestrator.StateChanged:
			if change, ok := ev.Data.(orchestrator.StateChange); ok {
				fmt.Printf("\r\033[K[STATE] %s -> %s\n", change.From, change.To)
			}
		case orchestrator.TranscriptPartial:
			fmt.Printf("\r\033[K[HEARING] %v", ev.Data)
		case orchestrator.TranscriptFinal:
			fmt.Printf("\r\033[K[TRANSCRIPT] %v\n", ev.Data)
		case orchestrator.UtteranceFlushed:
			fmt.Printf("\r\033[K[SENT] %v\n", ev.Data)
		case orchestrator.BotResponse:
			fmt.Printf("\r\033[K[BOT] %v\n", ev.Data)
		case orchestrator.ThinkingPrompt:
			if p, ok := ev.Data.(orchestrator.PromptData); ok {
				fmt.Printf("\r\033[K[THINKING] (%s) %s\n", p.Kind, p.Text)
			}
		case orchestrator.Interrupted:
			fmt.Printf("\r\033[K[INTERRUPTED] User started talking.\n")
		case orchestrator.CalibrationDone:
			fmt.Printf("\r\033[K[CALIBRATED] %+v\n", ev.Data)
		case orchestrator.ErrorEvent:
			if e, ok := ev.Data.(orchestrator.SurfacedError); ok {
				fmt.Printf("\r\033[K[%s] %s\n", strings.ToUpper(string(e.Severity)), e.Message)
			}
		}
	}
}
