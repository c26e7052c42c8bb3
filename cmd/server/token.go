package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"nexusvoice-server/pkg/jwt"
)

var (
	tokenUserID   int64
	tokenUsername string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "为指定用户签发 Access Token",
	Long: `使用配置中的 JWT 密钥为用户签发 Access Token。

用户身份由上游系统管理，本命令用于联调和运维排查。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tokenUserID <= 0 {
			return errors.New("--user-id 必须大于 0")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.JWT.Secret == "" {
			return errors.New("jwt.secret 未配置")
		}

		jwtService := jwt.NewJWTService(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpire)
		token, err := jwtService.GenerateAccessToken(tokenUserID, tokenUsername)
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "有效期: %s\n", jwtService.GetAccessExpire())
		return nil
	},
}

func init() {
	tokenCmd.Flags().Int64Var(&tokenUserID, "user-id", 0, "用户ID")
	tokenCmd.Flags().StringVar(&tokenUsername, "username", "", "用户名")
	rootCmd.AddCommand(tokenCmd)
}
