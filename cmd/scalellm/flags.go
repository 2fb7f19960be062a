package main

import "github.com/urfave/cli/v3"

var (
	blockSize      int64
	cacheBlocks    int64
	maxBatchTokens int64
	maxBatchSeqs   int64
	maxWaiting     int64
	vocabSize      int64
	hiddenSize     int64
	modelSeed      int64
	logLevel       string
	logFormat      string
	debug          bool
)

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "block-size",
			Usage:       "KV cache tokens per block",
			Value:       16,
			Destination: &blockSize,
		},
		&cli.Int64Flag{
			Name:        "cache-blocks",
			Usage:       "total KV cache blocks",
			Value:       1024,
			Destination: &cacheBlocks,
		},
		&cli.Int64Flag{
			Name:        "max-batch-tokens",
			Usage:       "token budget per batch",
			Value:       4096,
			Destination: &maxBatchTokens,
		},
		&cli.Int64Flag{
			Name:        "max-batch-seqs",
			Usage:       "sequence budget per batch",
			Value:       64,
			Destination: &maxBatchSeqs,
		},
		&cli.Int64Flag{
			Name:        "max-waiting",
			Usage:       "waiting queue depth",
			Value:       256,
			Destination: &maxWaiting,
		},
	}
}

func modelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "vocab-size",
			Usage:       "toy model vocabulary size",
			Value:       512,
			Destination: &vocabSize,
		},
		&cli.Int64Flag{
			Name:        "hidden-size",
			Usage:       "toy model hidden dimension",
			Value:       64,
			Destination: &hiddenSize,
		},
		&cli.Int64Flag{
			Name:        "model-seed",
			Usage:       "toy model weight seed",
			Value:       42,
			Destination: &modelSeed,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
