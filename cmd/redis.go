package cmd

import (
	"context"
	"fmt"
	"time"

	"CoWatch/cache"
	"CoWatch/db"

	"github.com/spf13/cobra"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis连接测试",
	Long:  `测试Redis连接是否成功，进行基本读写操作，并显示各房间的在线人数。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("开始测试Redis连接...")
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		client, err := db.ConnectRedis(cfg)
		if err != nil {
			return fmt.Errorf("无法连接到Redis: %w", err)
		}
		defer client.Close()
		fmt.Println("Redis连接成功！")

		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		fmt.Println("开始测试Redis基本操作...")
		if err := db.CheckRedis(ctx, client); err != nil {
			return fmt.Errorf("Redis操作测试失败: %w", err)
		}
		fmt.Println("Redis基本操作测试成功！")

		counts, err := cache.NewRoomCache(client).OnlineCounts(ctx)
		if err != nil {
			return fmt.Errorf("读取在线人数失败: %w", err)
		}
		if len(counts) == 0 {
			fmt.Println("当前没有在线房间")
		}
		for roomID, n := range counts {
			fmt.Printf("房间 %s: %d 人在线\n", roomID, n)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(redisCmd)
}
