package main

import (
	"gopkg.in/urfave/cli.v1"

	"tribft/internal/config"
)

// Flags override the environment; an unset flag keeps the loaded value.
var (
	shardsFlag = cli.IntFlag{
		Name:  "shards",
		Usage: "Number of regional shards",
	}
	vehiclesFlag = cli.IntFlag{
		Name:  "vehicles",
		Usage: "Vehicles per shard",
	}
	rsusFlag = cli.IntFlag{
		Name:  "rsus",
		Usage: "Roadside units per shard",
	}
	groupSizeFlag = cli.IntFlag{
		Name:  "group-size",
		Usage: "Primary members of each consensus group",
	}
	redundantFlag = cli.IntFlag{
		Name:  "redundant",
		Usage: "Redundant members of each consensus group",
	}
	epochBlocksFlag = cli.IntFlag{
		Name:  "epoch-blocks",
		Usage: "Committed blocks per epoch",
	}
	targetBlocksFlag = cli.IntFlag{
		Name:  "blocks",
		Usage: "Stop once every shard committed this many blocks (0 runs until interrupted)",
	}
	batchSizeFlag = cli.IntFlag{
		Name:  "batch",
		Usage: "Transactions per proposal",
	}
	blockIntervalFlag = cli.DurationFlag{
		Name:  "interval",
		Usage: "Delay between proposal attempts",
	}
	roundTimeoutFlag = cli.DurationFlag{
		Name:  "timeout",
		Usage: "Round timeout",
	}
	ejectBelowFlag = cli.Float64Flag{
		Name:  "eject-below",
		Usage: "Exclude candidates scoring under this from elections",
	}
	permanentRSUFlag = cli.BoolFlag{
		Name:  "permanent-rsu",
		Usage: "Let unelected RSUs vote as permanent members",
	}
	noEarlyAbortFlag = cli.BoolFlag{
		Name:  "no-early-abort",
		Usage: "Wait for the timeout instead of aborting on a rejecting majority",
	}
	unsignedFlag = cli.BoolFlag{
		Name:  "unsigned",
		Usage: "Do not sign or verify votes",
	}
	headlessFlag = cli.BoolFlag{
		Name:  "headless",
		Usage: "Log to stderr instead of showing the dashboard",
	}
	debugFlag = cli.BoolFlag{
		Name:  "debug",
		Usage: "Write debug logs to simulator.log",
	}
	metricsAddrFlag = cli.StringFlag{
		Name:  "metrics",
		Usage: "Prometheus listen address, e.g. :9100",
	}
)

func simulatorFlags() []cli.Flag {
	return []cli.Flag{
		shardsFlag,
		vehiclesFlag,
		rsusFlag,
		groupSizeFlag,
		redundantFlag,
		epochBlocksFlag,
		targetBlocksFlag,
		batchSizeFlag,
		blockIntervalFlag,
		roundTimeoutFlag,
		ejectBelowFlag,
		permanentRSUFlag,
		noEarlyAbortFlag,
		unsignedFlag,
		headlessFlag,
		debugFlag,
		metricsAddrFlag,
	}
}

// applyFlags copies every flag set on the command line into cfg.
func applyFlags(ctx *cli.Context, cfg *config.Config) {
	setInt := func(f cli.IntFlag, dst *int) {
		if ctx.IsSet(f.Name) {
			*dst = ctx.Int(f.Name)
		}
	}
	setInt(shardsFlag, &cfg.Shards)
	setInt(vehiclesFlag, &cfg.VehiclesPerShard)
	setInt(rsusFlag, &cfg.RSUsPerShard)
	setInt(groupSizeFlag, &cfg.GroupSize)
	setInt(redundantFlag, &cfg.RedundantCount)
	setInt(epochBlocksFlag, &cfg.EpochBlocks)
	setInt(targetBlocksFlag, &cfg.TargetBlocks)
	setInt(batchSizeFlag, &cfg.BatchSize)

	if ctx.IsSet(blockIntervalFlag.Name) {
		cfg.BlockInterval = ctx.Duration(blockIntervalFlag.Name)
	}
	if ctx.IsSet(roundTimeoutFlag.Name) {
		cfg.RoundTimeout = ctx.Duration(roundTimeoutFlag.Name)
	}
	if ctx.IsSet(ejectBelowFlag.Name) {
		cfg.EjectBelow = ctx.Float64(ejectBelowFlag.Name)
	}
	if ctx.IsSet(metricsAddrFlag.Name) {
		cfg.MetricsAddr = ctx.String(metricsAddrFlag.Name)
	}
	if ctx.Bool(permanentRSUFlag.Name) {
		cfg.PermanentRSU = true
	}
	if ctx.Bool(noEarlyAbortFlag.Name) {
		cfg.EarlyAbort = false
	}
	if ctx.Bool(unsignedFlag.Name) {
		cfg.SignVotes = false
	}
	if ctx.Bool(headlessFlag.Name) {
		cfg.Headless = true
	}
	if ctx.Bool(debugFlag.Name) {
		cfg.Debug = true
	}
}
