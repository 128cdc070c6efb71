package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"creditledger/internal/model"
	"creditledger/internal/service"

	"github.com/spf13/cobra"
)

// 运维命令：在任务之外手动触发一次扫描、对账或发码

var sweepCmd = &cobra.Command{
	Use:   "sweep-expired",
	Short: "执行一次订阅到期扫描",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		result, err := a.entitlements.SweepExpired(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "补发已核销兑换码与已激活订单的奖励",
	RunE:  runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	lookback, _ := cmd.Flags().GetDuration("lookback")

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	now := a.clock.Now()
	if lookback <= 0 {
		lookback = a.cfg.Jobs.ReconcileLookback
	}
	from, to := now.Add(-lookback), now.Add(-a.cfg.Jobs.ReconcileGrace)

	codes, err := a.redemptions.ReconcileUsedCodes(cmd.Context(), from, to, a.cfg.Jobs.BatchSize)
	if err != nil {
		return err
	}
	orders, err := a.activations.ReconcileActivatedOrders(cmd.Context(), from, to, a.cfg.Jobs.BatchSize)
	if err != nil {
		return err
	}
	return printJSON(map[string]*service.ReconcileResult{"codes": codes, "orders": orders})
}

var verifyCmd = &cobra.Command{
	Use:   "verify [account_id]",
	Short: "校验账户余额与流水是否一致",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		var accountID int64
		if _, err := fmt.Sscan(args[0], &accountID); err != nil {
			return fmt.Errorf("account_id 参数错误: %w", err)
		}
		report, err := a.ledger.VerifyConsistency(cmd.Context(), accountID)
		if err != nil {
			return err
		}
		return printJSON(report)
	}

	reports, err := a.ledger.VerifyAll(cmd.Context(), a.cfg.Jobs.BatchSize)
	if err != nil {
		return err
	}
	if err := printJSON(reports); err != nil {
		return err
	}
	if len(reports) > 0 {
		return fmt.Errorf("发现 %d 个账户余额与流水不一致", len(reports))
	}
	return nil
}

var codesCmd = &cobra.Command{
	Use:   "codes",
	Short: "兑换码管理",
}

var codesGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "批量生成兑换码",
	RunE:  runCodesGenerate,
}

func runCodesGenerate(cmd *cobra.Command, args []string) error {
	kindFlag, _ := cmd.Flags().GetString("kind")
	count, _ := cmd.Flags().GetInt("count")
	credits, _ := cmd.Flags().GetInt64("credits")
	planID, _ := cmd.Flags().GetString("plan")
	days, _ := cmd.Flags().GetInt("days")
	bonus, _ := cmd.Flags().GetInt64("bonus")
	validFor, _ := cmd.Flags().GetDuration("valid-for")
	note, _ := cmd.Flags().GetString("note")

	kind, err := model.ParseCodeKind(kindFlag)
	if err != nil {
		return err
	}

	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	req := service.BatchRequest{
		Kind:         kind,
		Count:        count,
		Credits:      credits,
		PlanID:       planID,
		Days:         days,
		BonusCredits: bonus,
		Note:         note,
	}
	if validFor > 0 {
		until := a.clock.Now().Add(validFor).Truncate(time.Second)
		req.ValidUntil = &until
	}

	batch, err := a.redemptions.CreateBatch(cmd.Context(), req)
	if err != nil {
		return err
	}
	return printJSON(batch)
}

func init() {
	reconcileCmd.Flags().Duration("lookback", 0, "扫描窗口，默认取 jobs.reconcile_lookback")

	codesGenerateCmd.Flags().String("kind", string(model.CodeKindCredit), "兑换码类型: credit 或 plan")
	codesGenerateCmd.Flags().Int("count", 1, "生成数量")
	codesGenerateCmd.Flags().Int64("credits", 0, "credit 类型的积分数")
	codesGenerateCmd.Flags().String("plan", "", "plan 类型的套餐 ID")
	codesGenerateCmd.Flags().Int("days", 0, "plan 类型的天数")
	codesGenerateCmd.Flags().Int64("bonus", 0, "plan 类型附赠积分")
	codesGenerateCmd.Flags().Duration("valid-for", 0, "有效期，0 表示不过期")
	codesGenerateCmd.Flags().String("note", "", "备注")
	codesCmd.AddCommand(codesGenerateCmd)

	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(codesCmd)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
