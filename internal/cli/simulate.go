package cli

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tranche-ledger/internal/app"
)

var (
	simulatePrice   string
	simulateElapsed time.Duration
	simulateSenior  string
	simulateJunior  string
	simulateReserve string
	simulateNotify  bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-rebase",
	Short: "模拟一次 rebase 并打印分配结果",
	RunE: func(cmd *cobra.Command, args []string) error {
		price, err := decimal.NewFromString(simulatePrice)
		if err != nil {
			return errors.New("--price 格式不正确")
		}
		opts := app.SimulateOptions{
			Price:   price,
			Elapsed: simulateElapsed,
			Notify:  simulateNotify,
		}
		for _, f := range []struct {
			raw string
			dst *decimal.Decimal
		}{
			{simulateSenior, &opts.Senior},
			{simulateJunior, &opts.Junior},
			{simulateReserve, &opts.Reserve},
		} {
			if *f.dst, err = decimal.NewFromString(f.raw); err != nil {
				return errors.New("存款金额格式不正确")
			}
		}

		_, err = getApp().Simulate(cmd.Context(), opts, cmd.OutOrStdout())
		return err
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePrice, "price", "1", "rebase 时头寸单价")
	simulateCmd.Flags().DurationVar(&simulateElapsed, "elapsed", 30*24*time.Hour, "距上次 rebase 的时间")
	simulateCmd.Flags().StringVar(&simulateSenior, "senior", "1000000", "Senior 存款")
	simulateCmd.Flags().StringVar(&simulateJunior, "junior", "0", "Junior 存款")
	simulateCmd.Flags().StringVar(&simulateReserve, "reserve", "100000", "Reserve 存款")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "通过已配置的告警通道发送结果")
}
