package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/abhilash1910/ScaleLLM/internal/api"
	"github.com/abhilash1910/ScaleLLM/internal/engine"
	"github.com/abhilash1910/ScaleLLM/internal/logger"
	"github.com/abhilash1910/ScaleLLM/internal/toy"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		temperature float64
		topK        int64
		topP        float64
		maxTokens   int64
	)

	flags := append(engineFlags(), modelFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read header timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Float64Flag{
			Name:        "temperature",
			Usage:       "default sampling temperature (0 = greedy)",
			Value:       0.8,
			Destination: &temperature,
		},
		&cli.Int64Flag{
			Name:        "top-k",
			Usage:       "default top-k shortlist size (0 = disabled)",
			Value:       40,
			Destination: &topK,
		},
		&cli.Float64Flag{
			Name:        "top-p",
			Usage:       "default nucleus threshold",
			Value:       0.95,
			Destination: &topP,
		},
		&cli.Int64Flag{
			Name:        "max-tokens",
			Usage:       "default completion length limit",
			Value:       256,
			Destination: &maxTokens,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation REST API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, LoadConfig(), &addr, &temperature, &topK, &topP, &maxTokens)

			vocab := toy.NewVocabulary(int(vocabSize))
			model := toy.NewLM(vocab.Size(), int(hiddenSize), modelSeed)

			sched, err := engine.NewScheduler(engine.Params{
				CacheBlocks:    int(cacheBlocks),
				BlockSize:      int(blockSize),
				MaxBatchTokens: int(maxBatchTokens),
				MaxBatchSeqs:   int(maxBatchSeqs),
				MaxWaiting:     int(maxWaiting),
				Model:          model,
				Decoder:        vocab,
				Logger:         log,
			})
			if err != nil {
				return err
			}

			store := api.NewGenerationStore()
			service := api.NewGenerationService(sched, vocab, store, api.Defaults{
				MaxTokens:   int(maxTokens),
				Temperature: temperature,
				TopK:        int(topK),
				TopP:        topP,
			}, log)
			server := api.NewServer(store, service)

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				if err := service.Run(runCtx); err != nil && runCtx.Err() == nil {
					log.Error("generation loop stopped", "err", err)
				}
			}()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)

			log.Info("starting server",
				"address", addr,
				"cache_blocks", cacheBlocks,
				"block_size", blockSize,
				"max_batch_tokens", maxBatchTokens,
				"max_batch_seqs", maxBatchSeqs,
			)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
