package cmd

import (
	"context"
	"fmt"
	"time"

	"CoWatch/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO头像存储检查",
	Long:  `连接MinIO服务器，确认头像存储桶可用，并显示头像文件的数量和总大小。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("开始连接MinIO服务器...")
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		client, err := storage.NewMinioClient(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		store, err := storage.NewAvatarStore(ctx, client, cfg.MinioBucket, cfg.MinioRegion)
		if err != nil {
			return fmt.Errorf("无法连接到MinIO: %w", err)
		}
		fmt.Println("MinIO连接成功！")

		stats, err := store.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("头像数量: %d\n", stats.Objects)
		fmt.Printf("总大小: %s\n", humanize.IBytes(uint64(stats.TotalSize)))
		if !stats.LastModified.IsZero() {
			fmt.Printf("最近上传: %s\n", humanize.Time(stats.LastModified))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)
}
