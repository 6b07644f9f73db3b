package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"CoWatch/core/client"
	"CoWatch/core/room"
	"CoWatch/model"

	"github.com/spf13/cobra"
)

var (
	joinName   string
	joinAvatar string
)

const joinHelp = `命令:
  /nick <名字>                  修改显示名
  /avatar <头像引用>            修改头像
  /queue <来源:ID> [...]        替换播放队列，例如 /queue youtube:dQw4w9WgXcQ soundcloud:123
  /play <来源:ID> [秒]          从指定位置开始播放
  /pause [秒]                   暂停，未指定位置时使用当前推算位置
  /who                          查看在线成员
  /sync                         立即全量同步
  /quit                         离开房间
其他输入作为聊天消息发送`

var joinCmd = &cobra.Command{
	Use:   "join <room_id>",
	Short: "以终端参与者身份加入房间",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID := args[0]
		wsURL := "ws" + strings.TrimPrefix(apiBase(), "http") + "/ws"

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out := cmd.OutOrStdout()
		c := client.New(roomID, client.Identity{DisplayName: joinName, Avatar: joinAvatar}, client.WebSocketDialer(wsURL), client.Options{
			ResyncInterval: cfg.ResyncInterval,
			OnEvent: func(env *room.Envelope) {
				if line := formatEvent(env); line != "" {
					fmt.Fprintln(out, line)
				}
			},
			OnError: func(e room.ErrorData) {
				fmt.Fprintf(cmd.ErrOrStderr(), "错误: %s\n", e.Message)
			},
		})

		fmt.Fprintf(out, "正在加入房间 %s (%s)，输入 /help 查看命令\n", roomID, wsURL)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			readInput(c, cmd.InOrStdin(), out)
			cancel()
		}()

		err := c.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

// readInput 逐行处理输入，/quit 或输入结束时返回
func readInput(c *client.Client, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			c.Leave()
			return
		}
		if err := handleLine(c, line, out); err != nil {
			fmt.Fprintf(out, "! %v\n", err)
		}
	}
}

func handleLine(c *client.Client, line string, out io.Writer) error {
	if !strings.HasPrefix(line, "/") {
		return c.SendChat(line)
	}

	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch name {
	case "/help":
		fmt.Fprintln(out, joinHelp)
		return nil

	case "/nick":
		if arg == "" {
			return errors.New("用法: /nick <名字>")
		}
		return c.Rename(arg)

	case "/avatar":
		if arg == "" {
			return errors.New("用法: /avatar <头像引用>")
		}
		return c.ChangeAvatar(arg)

	case "/queue":
		queue, err := parseQueue(arg)
		if err != nil {
			return err
		}
		return c.SetQueue(queue)

	case "/play":
		fields := strings.Fields(arg)
		if len(fields) == 0 {
			return errors.New("用法: /play <来源:ID> [秒]")
		}
		track, err := parseTrackRef(fields[0])
		if err != nil {
			return err
		}
		at := 0.0
		if len(fields) > 1 {
			if at, err = parseSeconds(fields[1]); err != nil {
				return err
			}
		}
		return c.UpdatePlayback(room.PlaybackData{TrackID: track.TrackID, Source: track.Source, CurrentTime: at, IsPlaying: true})

	case "/pause":
		current := c.View().CurrentTrack
		if current == nil {
			return errors.New("当前没有播放中的曲目")
		}
		at := room.ProjectPosition(current, time.Now())
		if arg != "" {
			var err error
			if at, err = parseSeconds(arg); err != nil {
				return err
			}
		}
		return c.UpdatePlayback(room.PlaybackData{TrackID: current.TrackID, Source: current.Source, CurrentTime: at, IsPlaying: false})

	case "/who":
		for _, p := range c.View().Participants {
			owner := ""
			if p.IsRoomOwner {
				owner = " (房主)"
			}
			fmt.Fprintf(out, "  %s%s\n", p.DisplayName, owner)
		}
		return nil

	case "/sync":
		return c.RequestSync()
	}

	return fmt.Errorf("未知命令 %s，输入 /help 查看命令", name)
}

// parseTrackRef 解析 "来源:ID" 形式的曲目引用
func parseTrackRef(ref string) (model.QueueItem, error) {
	source, id, ok := strings.Cut(strings.TrimSpace(ref), ":")
	if !ok || id == "" {
		return model.QueueItem{}, fmt.Errorf("曲目格式应为 来源:ID，例如 youtube:dQw4w9WgXcQ")
	}
	src := model.TrackSource(strings.ToLower(source))
	if !src.Valid() {
		return model.QueueItem{}, fmt.Errorf("不支持的来源: %s", source)
	}
	return model.QueueItem{TrackID: id, Source: src}, nil
}

// parseQueue 解析以空格分隔的曲目列表，空输入表示清空队列
func parseQueue(arg string) ([]model.QueueItem, error) {
	queue := []model.QueueItem{}
	for _, ref := range strings.Fields(arg) {
		item, err := parseTrackRef(ref)
		if err != nil {
			return nil, err
		}
		queue = append(queue, item)
	}
	return queue, nil
}

func parseSeconds(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("无效的播放位置: %s", s)
	}
	return v, nil
}

// formatEvent 把服务端事件格式化为一行输出，不需要显示的事件返回空串
func formatEvent(env *room.Envelope) string {
	ts := time.UnixMilli(env.Timestamp).Format("15:04:05")

	switch env.Type {
	case room.MsgTypeChat:
		var msg model.ChatMessage
		if json.Unmarshal(env.Data, &msg) != nil {
			return ""
		}
		return fmt.Sprintf("[%s] %s: %s", ts, msg.Username, msg.Content)

	case room.MsgTypeJoin:
		var info model.ParticipantInfo
		if json.Unmarshal(env.Data, &info) != nil {
			return ""
		}
		return fmt.Sprintf("[%s] * %s 加入了房间", ts, info.DisplayName)

	case room.MsgTypeLeave:
		return fmt.Sprintf("[%s] * %s 离开了房间", ts, env.Username)

	case room.MsgTypeRename:
		var data room.IdentityData
		if json.Unmarshal(env.Data, &data) != nil {
			return ""
		}
		return fmt.Sprintf("[%s] * %s 修改了显示名", ts, data.DisplayName)

	case room.MsgTypeAvatarChange:
		return fmt.Sprintf("[%s] * %s 更换了头像", ts, env.Username)

	case room.MsgTypeOwnershipChange:
		return fmt.Sprintf("[%s] * %s 成为房主", ts, env.Username)

	case room.MsgTypeQueueUpdate:
		var data room.QueueData
		if json.Unmarshal(env.Data, &data) != nil {
			return ""
		}
		return fmt.Sprintf("[%s] * %s 更新了播放队列（%d 首）", ts, env.Username, len(data.Queue))

	case room.MsgTypePlaybackUpdate:
		var data room.PlaybackData
		if json.Unmarshal(env.Data, &data) != nil {
			return ""
		}
		state := "暂停"
		if data.IsPlaying {
			state = "播放"
		}
		return fmt.Sprintf("[%s] * %s %s %s:%s @ %.1fs", ts, env.Username, state, data.Source, data.TrackID, data.CurrentTime)

	case room.MsgTypeSyncResponse:
		var data room.SyncResponseData
		if json.Unmarshal(env.Data, &data) != nil {
			return ""
		}
		return fmt.Sprintf("[%s] 已同步: %d 人在线，队列 %d 首，%d 条消息", ts, len(data.Participants), len(data.Queue), len(data.Messages))
	}
	return ""
}

func init() {
	joinCmd.Flags().StringVarP(&joinName, "name", "n", "Guest", "显示名")
	joinCmd.Flags().StringVar(&joinAvatar, "avatar", "", "头像引用（可用 POST /api/avatars 上传获得）")
	rootCmd.AddCommand(joinCmd)
}
