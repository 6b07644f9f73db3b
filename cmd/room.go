package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"CoWatch/model"
	"CoWatch/server"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	serverURL string
	manageKey string
)

// apiBase 未指定 --server 时使用本机的 SERVER_ADDR
func apiBase() string {
	if serverURL != "" {
		return strings.TrimRight(serverURL, "/")
	}
	addr := cfg.ServerAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

// apiRequest 调用服务端 API，非 2xx 时返回服务端的错误信息
func apiRequest(ctx context.Context, method, path string, body interface{}, header http.Header) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiBase()+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求服务器失败: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 10*time.Second)
}

var roomCmd = &cobra.Command{
	Use:   "room",
	Short: "房间管理",
	Long:  `通过服务端API创建、查看、列出和删除房间。`,
}

var roomCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "创建房间",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := server.CreateRoomRequest{}
		if len(args) == 1 {
			req.Name = args[0]
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()

		data, err := apiRequest(ctx, http.MethodPost, "/api/rooms", &req, nil)
		if err != nil {
			return err
		}
		var resp server.CreateRoomResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			return err
		}

		fmt.Printf("房间已创建: %s (%s)\n", resp.Room.ID, resp.Room.Name)
		fmt.Printf("管理密钥: %s\n", resp.ManageKey)
		fmt.Println("管理密钥只显示这一次，删除房间时需要它。")
		return nil
	},
}

var roomListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出最近活跃的房间",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		data, err := apiRequest(ctx, http.MethodGet, "/api/rooms", nil, nil)
		if err != nil {
			return err
		}
		var rooms []model.RoomSummary
		if err := json.Unmarshal(data, &rooms); err != nil {
			return err
		}

		if len(rooms) == 0 {
			fmt.Println("暂无房间")
			return nil
		}
		for _, r := range rooms {
			fmt.Printf("%s  %-24s  在线 %-3d  活跃于 %s\n",
				r.ID, r.Name, r.ParticipantCount, humanize.Time(r.LastActiveAt))
		}
		return nil
	},
}

var roomGetCmd = &cobra.Command{
	Use:   "get <room_id>",
	Short: "查看房间详情和当前同步状态",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := requestContext(cmd)
		defer cancel()

		data, err := apiRequest(ctx, http.MethodGet, "/api/rooms/"+args[0], nil, nil)
		if err != nil {
			return err
		}

		var out bytes.Buffer
		if err := json.Indent(&out, data, "", "  "); err != nil {
			return err
		}
		fmt.Println(out.String())
		return nil
	},
}

var roomDeleteCmd = &cobra.Command{
	Use:   "delete <room_id>",
	Short: "删除房间及其聊天记录",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if manageKey == "" {
			return fmt.Errorf("需要通过 --key 提供管理密钥")
		}

		ctx, cancel := requestContext(cmd)
		defer cancel()

		header := http.Header{server.ManageKeyHeader: {manageKey}}
		if _, err := apiRequest(ctx, http.MethodDelete, "/api/rooms/"+args[0], nil, header); err != nil {
			return err
		}
		fmt.Printf("房间 %s 已删除\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "服务端地址，例如 http://localhost:8080（默认使用 SERVER_ADDR）")

	roomDeleteCmd.Flags().StringVarP(&manageKey, "key", "k", "", "创建房间时返回的管理密钥")

	roomCmd.AddCommand(roomCreateCmd, roomListCmd, roomGetCmd, roomDeleteCmd)
	rootCmd.AddCommand(roomCmd)

	roomCmd.Example = `  # 创建房间
  cowatch room create "Movie night"

  # 列出房间
  cowatch room list --server http://example.com:8080

  # 删除房间
  cowatch room delete 123456 -k <manage-key>`
}
