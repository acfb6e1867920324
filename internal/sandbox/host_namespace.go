package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/dop251/goja"

	"github.com/nbot-dev/nbot/internal/capability"
)

// buildHostNamespace constructs the single "host" object injected into the
// sandbox before entry evaluation. Every function validates arity/types at
// the goja boundary and returns a structured {error: "..."} value rather
// than throwing, per the capability surface contract.
func buildHostNamespace(sb *Sandbox, surface *capability.Surface) *goja.Object {
	vm := sb.vm
	host := vm.NewObject()

	set := func(name string, fn func(goja.FunctionCall) goja.Value) {
		_ = host.Set(name, fn)
	}

	arg := func(call goja.FunctionCall, i int) goja.Value {
		if i >= len(call.Arguments) {
			return goja.Undefined()
		}
		return call.Arguments[i]
	}
	argString := func(call goja.FunctionCall, i int) string {
		v := arg(call, i)
		if goja.IsUndefined(v) || goja.IsNull(v) {
			return ""
		}
		return v.String()
	}
	argInt64 := func(call goja.FunctionCall, i int) int64 {
		return capability.CoerceInt64(exportOrNil(arg(call, i)))
	}
	argRaw := func(call goja.FunctionCall, i int) json.RawMessage {
		v := arg(call, i)
		if goja.IsUndefined(v) || goja.IsNull(v) {
			return nil
		}
		b, err := json.Marshal(v.Export())
		if err != nil {
			return nil
		}
		return b
	}
	errResult := func(vm *goja.Runtime, err error) goja.Value {
		if err == nil {
			return goja.Undefined()
		}
		return vm.ToValue(map[string]any{"error": err.Error()})
	}

	// --- synchronous ---

	set("at", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(surface.At(argInt64(call, 0)))
	})
	set("now", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(surface.Now())
	})
	set("get_plugin_id", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(sb.pluginID)
	})
	set("get_config", func(call goja.FunctionCall) goja.Value {
		raw, err := surface.GetConfig(sb.pluginID)
		if err != nil {
			return errResult(vm, err)
		}
		var v any
		_ = json.Unmarshal(raw, &v)
		return vm.ToValue(v)
	})
	set("set_config", func(call goja.FunctionCall) goja.Value {
		raw := argRaw(call, 0)
		ok := surface.SetConfig(context.Background(), sb.pluginID, raw)
		return vm.ToValue(ok)
	})

	logAt := func(level capability.LogLevel) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			surface.Log(sb.pluginID, level, argString(call, 0), nil)
			return goja.Undefined()
		}
	}
	logNs := vm.NewObject()
	_ = logNs.Set("info", logAt(capability.LogInfo))
	_ = logNs.Set("warn", logAt(capability.LogWarn))
	_ = logNs.Set("error", logAt(capability.LogError))
	_ = host.Set("log", logNs)

	storageNs := vm.NewObject()
	_ = storageNs.Set("get", func(call goja.FunctionCall) goja.Value {
		raw, err := surface.StorageGet(sb.pluginID, argString(call, 0))
		if err != nil {
			return errResult(vm, err)
		}
		if raw == nil {
			return goja.Null()
		}
		var v any
		_ = json.Unmarshal(raw, &v)
		return vm.ToValue(v)
	})
	_ = storageNs.Set("set", func(call goja.FunctionCall) goja.Value {
		err := surface.StorageSet(sb.pluginID, argString(call, 0), argRaw(call, 1))
		return vm.ToValue(err == nil)
	})
	_ = storageNs.Set("delete", func(call goja.FunctionCall) goja.Value {
		err := surface.StorageDelete(sb.pluginID, argString(call, 0))
		return vm.ToValue(err == nil)
	})
	_ = host.Set("storage", storageNs)

	set("send_message", func(call goja.FunctionCall) goja.Value {
		err := surface.SendMessage(context.Background(), argInt64(call, 0), argString(call, 1))
		return errResult(vm, err)
	})
	set("send_reply", func(call goja.FunctionCall) goja.Value {
		err := surface.SendReply(context.Background(), argInt64(call, 0), argInt64(call, 1), argString(call, 2))
		return errResult(vm, err)
	})
	set("send_forward_message", func(call goja.FunctionCall) goja.Value {
		err := surface.SendForwardMessage(context.Background(), argInt64(call, 0), argInt64(call, 1), argRaw(call, 2))
		return errResult(vm, err)
	})
	set("call_api", func(call goja.FunctionCall) goja.Value {
		res, err := surface.CallAPI(context.Background(), argString(call, 0), argRaw(call, 1))
		if err != nil {
			return errResult(vm, err)
		}
		var v any
		_ = json.Unmarshal(res, &v)
		return vm.ToValue(v)
	})

	set("render_markdown_image", func(call goja.FunctionCall) goja.Value {
		ctx, cancel := context.WithTimeout(context.Background(), sb.blockingBudget)
		defer cancel()
		width := int(argInt64(call, 3))
		png, err := surface.RenderMarkdownImage(ctx, argString(call, 0), argString(call, 1), argString(call, 2), width)
		if err != nil {
			return errResult(vm, err)
		}
		return vm.ToValue(base64Encode(png))
	})
	set("render_html_image", func(call goja.FunctionCall) goja.Value {
		ctx, cancel := context.WithTimeout(context.Background(), sb.blockingBudget)
		defer cancel()
		width := int(argInt64(call, 1))
		quality := int(argInt64(call, 2))
		png, err := surface.RenderHTMLImage(ctx, argString(call, 0), width, quality)
		if err != nil {
			return errResult(vm, err)
		}
		return vm.ToValue(base64Encode(png))
	})
	set("http_fetch", func(call goja.FunctionCall) goja.Value {
		ctx, cancel := context.WithTimeout(context.Background(), sb.blockingBudget)
		defer cancel()
		timeoutMs := int(argInt64(call, 1))
		status, body, err := surface.HTTPFetch(ctx, sb.pluginID, argString(call, 0), timeoutMs)
		if err != nil {
			return errResult(vm, err)
		}
		return vm.ToValue(map[string]any{"status": status, "body": base64Encode(body)})
	})

	// --- asynchronous ---

	asyncCtx := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(context.Background(), sb.blockingBudget)
	}

	set("call_llm_chat", func(call goja.FunctionCall) goja.Value {
		ctx, cancel := asyncCtx()
		defer cancel()
		err := surface.CallLlmChat(ctx, sb.pluginID, argString(call, 0), argRaw(call, 1), argRaw(call, 2))
		return errResult(vm, err)
	})
	set("call_llm_chat_with_search", func(call goja.FunctionCall) goja.Value {
		ctx, cancel := asyncCtx()
		defer cancel()
		err := surface.CallLlmChatWithSearch(ctx, sb.pluginID, argString(call, 0), argRaw(call, 1), argRaw(call, 2))
		return errResult(vm, err)
	})

	forward := func(kindHint string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			ctx, cancel := asyncCtx()
			defer cancel()
			payload := map[string]any{}
			if raw := argRaw(call, 1); raw != nil {
				_ = json.Unmarshal(raw, &payload)
			}
			err := surface.CallLlmForward(ctx, sb.pluginID, argString(call, 0), kindHint, payload)
			return errResult(vm, err)
		}
	}
	set("call_llm_forward", forward("forward"))
	set("call_llm_forward_media_bundle", forward("media_bundle"))
	set("call_llm_forward_archive_from_url", forward("archive_from_url"))
	set("call_llm_forward_image_from_url", forward("image_from_url"))
	set("call_llm_forward_video_from_url", forward("video_from_url"))
	set("call_llm_forward_audio_from_url", forward("audio_from_url"))

	set("fetch_group_notice", func(call goja.FunctionCall) goja.Value {
		ctx, cancel := asyncCtx()
		defer cancel()
		err := surface.FetchGroupNotice(ctx, sb.pluginID, argString(call, 0), argInt64(call, 1), int(argInt64(call, 2)))
		return errResult(vm, err)
	})
	set("fetch_group_msg_history", func(call goja.FunctionCall) goja.Value {
		ctx, cancel := asyncCtx()
		defer cancel()
		err := surface.FetchGroupHistory(ctx, sb.pluginID, argString(call, 0), argInt64(call, 1), int(argInt64(call, 2)))
		return errResult(vm, err)
	})
	set("fetch_group_files", func(call goja.FunctionCall) goja.Value {
		ctx, cancel := asyncCtx()
		defer cancel()
		err := surface.FetchGroupFiles(ctx, sb.pluginID, argString(call, 0), argInt64(call, 1))
		return errResult(vm, err)
	})
	set("fetch_group_file_url", func(call goja.FunctionCall) goja.Value {
		ctx, cancel := asyncCtx()
		defer cancel()
		err := surface.FetchGroupFileURL(ctx, sb.pluginID, argString(call, 0), argInt64(call, 1), argString(call, 2))
		return errResult(vm, err)
	})
	set("fetch_group_member_list", func(call goja.FunctionCall) goja.Value {
		ctx, cancel := asyncCtx()
		defer cancel()
		err := surface.FetchGroupMemberList(ctx, sb.pluginID, argString(call, 0), argInt64(call, 1))
		return errResult(vm, err)
	})
	set("fetch_friend_list", func(call goja.FunctionCall) goja.Value {
		ctx, cancel := asyncCtx()
		defer cancel()
		err := surface.FetchFriendList(ctx, sb.pluginID, argString(call, 0))
		return errResult(vm, err)
	})
	set("fetch_group_list", func(call goja.FunctionCall) goja.Value {
		ctx, cancel := asyncCtx()
		defer cancel()
		err := surface.FetchGroupList(ctx, sb.pluginID, argString(call, 0))
		return errResult(vm, err)
	})
	set("download_file", func(call goja.FunctionCall) goja.Value {
		ctx, cancel := asyncCtx()
		defer cancel()
		err := surface.DownloadFile(ctx, sb.pluginID, argString(call, 0), argString(call, 1))
		return errResult(vm, err)
	})

	return host
}

func exportOrNil(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	return v.Export()
}

func base64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
