package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kandev/octo/internal/common/config"
	"github.com/kandev/octo/internal/common/database"
	"github.com/kandev/octo/internal/invite"
)

var inviteCodesCmd = &cobra.Command{
	Use:   "invite-codes",
	Short: "Administer invite codes",
}

var (
	inviteMaxUses   int
	inviteNote      string
	inviteExpiresIn int // hours; 0 means no expiry
)

var inviteCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Mint a new invite code",
	RunE:  runInviteCreate,
}

var inviteListCmd = &cobra.Command{
	Use:   "list",
	Short: "List invite codes",
	RunE:  runInviteList,
}

var inviteRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke an invite code without deleting its history",
	Args:  cobra.ExactArgs(1),
	RunE:  runInviteRevoke,
}

var inviteDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Permanently delete an invite code",
	Args:  cobra.ExactArgs(1),
	RunE:  runInviteDelete,
}

func init() {
	inviteCreateCmd.Flags().IntVar(&inviteMaxUses, "max-uses", 1, "number of times the code may be consumed")
	inviteCreateCmd.Flags().StringVar(&inviteNote, "note", "", "operator-facing note stored with the code")
	inviteCreateCmd.Flags().IntVar(&inviteExpiresIn, "expires-in-hours", 0, "hours until the code expires; 0 never expires")
	inviteCodesCmd.AddCommand(inviteCreateCmd, inviteListCmd, inviteRevokeCmd, inviteDeleteCmd)
}

func openInviteService(ctx context.Context) (*invite.Service, func(), error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, nil, err
	}
	db, driver, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	store := invite.NewSQLStore(db, driver)
	if _, err := db.ExecContext(ctx, store.Schema()); err != nil {
		db.Close()
		return nil, nil, err
	}
	return invite.NewService(store), func() { db.Close() }, nil
}

func runInviteCreate(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, closeDB, err := openInviteService(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	req := invite.CreateRequest{MaxUses: inviteMaxUses}
	if inviteNote != "" {
		req.Note = &inviteNote
	}
	if inviteExpiresIn > 0 {
		secs := int64(inviteExpiresIn) * 3600
		req.ExpiresInSec = &secs
	}

	code, err := svc.Create(ctx, req, "octoctl")
	if err != nil {
		return err
	}
	return printResult(code, fmt.Sprintf("created invite code %s (max uses %d)", code.Code, code.MaxUses))
}

func runInviteList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, closeDB, err := openInviteService(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	codes, err := svc.List(ctx)
	if err != nil {
		return err
	}
	fallback := fmt.Sprintf("%d invite code(s)", len(codes))
	for _, c := range codes {
		fallback += fmt.Sprintf("\n  %s  uses=%d/%d", c.Code, c.MaxUses-c.UsesRemaining, c.MaxUses)
	}
	return printResult(codes, fallback)
}

func runInviteRevoke(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, closeDB, err := openInviteService(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := svc.Revoke(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("revoked %s\n", args[0])
	return nil
}

func runInviteDelete(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svc, closeDB, err := openInviteService(ctx)
	if err != nil {
		return err
	}
	defer closeDB()

	if err := svc.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}
