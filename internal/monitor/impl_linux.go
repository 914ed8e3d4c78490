//go:build linux

package monitor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Hara602/usbResponder/internal/model"
	"github.com/Hara602/usbResponder/internal/sysutil"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const watchMask = unix.FAN_CLOSE_WRITE |
	unix.FAN_CREATE |
	unix.FAN_DELETE |
	unix.FAN_MOVED_TO |
	unix.FAN_MOVED_FROM |
	unix.FAN_ONDIR |
	unix.FAN_EVENT_ON_CHILD

// watch 一个被监控的挂载点, mountFd 用于 open_by_handle_at 还原目录路径
type watch struct {
	path    string
	mountFd int
	fsid    unix.Fsid
	flags   uint
}

type fanotifyMonitor struct {
	fd     int
	events chan model.FileEvent
	stop   chan struct{}
	once   sync.Once

	mu      sync.RWMutex
	watches map[string]*watch
}

func newMonitor() (FileMonitor, error) {
	flags := uint(unix.FAN_CLASS_NOTIF |
		unix.FAN_REPORT_DFID_NAME |
		unix.FAN_CLOEXEC |
		unix.FAN_UNLIMITED_QUEUE |
		unix.FAN_UNLIMITED_MARKS)
	fd, err := unix.FanotifyInit(flags, uint(unix.O_RDONLY))
	if err != nil {
		return nil, fmt.Errorf("fanotify init failed: %w", err)
	}
	return &fanotifyMonitor{
		fd:      fd,
		events:  make(chan model.FileEvent, 100),
		stop:    make(chan struct{}),
		watches: make(map[string]*watch),
	}, nil
}

func (f *fanotifyMonitor) Start() {
	go func() {
		var buf [4096]byte
		for {
			select {
			case <-f.stop:
				return
			default:
			}
			n, err := unix.Read(f.fd, buf[:])
			if err != nil || n <= 0 {
				if err == unix.EBADF {
					return
				}
				continue
			}
			f.processBuffer(buf[:n])
		}
	}()
}

// processBuffer 一次 read 可能包含多个事件
func (f *fanotifyMonitor) processBuffer(buf []byte) {
	offset := 0
	for offset+model.FanotifyEventMetadataSize <= len(buf) {
		var meta unix.FanotifyEventMetadata
		if err := binary.Read(bytes.NewReader(buf[offset:offset+model.FanotifyEventMetadataSize]), binary.LittleEndian, &meta); err != nil {
			sysutil.Log.Error("fanotify metadata read failed", zap.Error(err))
			return
		}
		// 长度字段不可信时丢弃剩余缓冲区
		if meta.Event_len < model.FanotifyEventMetadataSize ||
			uint32(meta.Metadata_len) < model.FanotifyEventMetadataSize ||
			uint32(meta.Metadata_len) > meta.Event_len ||
			offset+int(meta.Event_len) > len(buf) {
			return
		}
		f.processEvent(buf[offset+int(meta.Metadata_len):offset+int(meta.Event_len)], meta)
		offset += int(meta.Event_len)
	}
}

// processEvent 事件结构: [FanotifyEventInfoFid] + [FileHandle] + [f_handle] + [name\0]
func (f *fanotifyMonitor) processEvent(info []byte, meta unix.FanotifyEventMetadata) {
	if meta.Vers != unix.FANOTIFY_METADATA_VERSION {
		return
	}
	// DFID 模式下 Fd 为 FAN_NOFD, 无需关闭

	reader := bytes.NewReader(info)
	op := getEventOp(meta.Mask)
	pid := meta.Pid

	for {
		var fid model.FanotifyEventInfoFid
		if err := binary.Read(reader, binary.LittleEndian, &fid); err != nil {
			return
		}
		if int(fid.Hdr.Len) < model.FanotifyInfoHeaderSize+model.FanotifyFsidSize {
			return
		}
		if fid.Hdr.InfoType != unix.FAN_EVENT_INFO_TYPE_DFID_NAME {
			// 跳过不关心的信息块
			skip := int64(fid.Hdr.Len) - model.FanotifyInfoHeaderSize - model.FanotifyFsidSize
			if _, err := reader.Seek(skip, io.SeekCurrent); err != nil {
				return
			}
			continue
		}

		var fh model.FileHandle
		if err := binary.Read(reader, binary.LittleEndian, &fh); err != nil {
			return
		}
		if int64(fh.HandleBytes) > int64(reader.Len()) {
			return
		}
		handle := make([]byte, fh.HandleBytes)
		if _, err := io.ReadFull(reader, handle); err != nil {
			return
		}
		nameLen := fid.NameLen(fh)
		if nameLen <= 0 {
			return
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(reader, nameBuf); err != nil {
			return
		}
		name := string(nameBuf)
		if idx := bytes.IndexByte(nameBuf, 0); idx != -1 {
			name = string(nameBuf[:idx])
		}
		if name == "" || name == "." {
			continue
		}

		w := f.watchFor(fid.Fsid)
		if w == nil {
			continue
		}
		dir := resolveDir(w, unix.NewFileHandle(int32(fh.HandleType), handle))

		f.emit(model.FileEvent{
			PID:       pid,
			ProcName:  getProcName(int(pid)),
			MountPath: w.path,
			FilePath:  filepath.Join(dir, name),
			Operation: op,
			TimeStamp: time.Now(),
		})
	}
}

func (f *fanotifyMonitor) emit(ev model.FileEvent) {
	select {
	case f.events <- ev:
	case <-f.stop:
	default:
		sysutil.Log.Warn("File event dropped (queue full)", zap.String("file", ev.FilePath))
	}
}

func (f *fanotifyMonitor) watchFor(fsid unix.Fsid) *watch {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, w := range f.watches {
		if w.fsid == fsid {
			return w
		}
	}
	return nil
}

// resolveDir 通过目录句柄还原绝对路径, 失败时退回挂载点根目录
func resolveDir(w *watch, handle unix.FileHandle) string {
	fd, err := unix.OpenByHandleAt(w.mountFd, handle, unix.O_RDONLY|unix.O_PATH)
	if err != nil {
		return w.path
	}
	defer unix.Close(fd)
	dir, err := os.Readlink("/proc/self/fd/" + strconv.Itoa(fd))
	if err != nil {
		return w.path
	}
	return dir
}

func (f *fanotifyMonitor) AddWatch(mountPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.watches[mountPath]; ok {
		return nil
	}

	var st unix.Statfs_t
	if err := unix.Statfs(mountPath, &st); err != nil {
		return fmt.Errorf("statfs %s: %w", mountPath, err)
	}
	mountFd, err := unix.Open(mountPath, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", mountPath, err)
	}

	// FAN_MARK_FILESYSTEM 递归监控整个文件系统
	flags := uint(unix.FAN_MARK_ADD | unix.FAN_MARK_FILESYSTEM)
	err = unix.FanotifyMark(f.fd, flags, watchMask, unix.AT_FDCWD, mountPath)
	if err != nil {
		// 退化为普通目录监控 (不递归)
		sysutil.Log.Warn("FAN_MARK_FILESYSTEM failed, trying directory only mode", zap.String("path", mountPath), zap.Error(err))
		flags = uint(unix.FAN_MARK_ADD)
		if err = unix.FanotifyMark(f.fd, flags, watchMask, unix.AT_FDCWD, mountPath); err != nil {
			unix.Close(mountFd)
			return fmt.Errorf("fanotify mark %s: %w", mountPath, err)
		}
	}

	f.watches[mountPath] = &watch{path: mountPath, mountFd: mountFd, fsid: st.Fsid, flags: flags}
	return nil
}

func (f *fanotifyMonitor) RemoveWatch(mountPath string) {
	f.mu.Lock()
	w, ok := f.watches[mountPath]
	delete(f.watches, mountPath)
	f.mu.Unlock()
	if !ok {
		return
	}

	// 设备已拔出时内核已自动移除标记, 这里的错误可以忽略
	removeFlags := uint(unix.FAN_MARK_REMOVE)
	if w.flags&unix.FAN_MARK_FILESYSTEM != 0 {
		removeFlags |= unix.FAN_MARK_FILESYSTEM
	}
	_ = unix.FanotifyMark(f.fd, removeFlags, watchMask, unix.AT_FDCWD, mountPath)
	unix.Close(w.mountFd)
}

func (f *fanotifyMonitor) Stop() {
	f.once.Do(func() {
		close(f.stop)
		f.mu.Lock()
		for p, w := range f.watches {
			unix.Close(w.mountFd)
			delete(f.watches, p)
		}
		f.mu.Unlock()
		unix.Close(f.fd)
	})
}

func (f *fanotifyMonitor) Events() <-chan model.FileEvent { return f.events }

func getProcName(pid int) string {
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "comm"))
	if err != nil {
		// 进程的文件不存在, 说明进程已经退出了
		if os.IsNotExist(err) {
			return "process exited too fast"
		}
		return "unknown"
	}
	return strings.TrimSpace(string(b))
}

func getEventOp(mask uint64) string {
	var events []string
	if mask&unix.FAN_CREATE != 0 {
		events = append(events, "CREATE")
	}
	if mask&unix.FAN_CLOSE_WRITE != 0 {
		events = append(events, "CLOSE_WRITE")
	}
	if mask&unix.FAN_DELETE != 0 {
		events = append(events, "DELETE")
	}
	if mask&unix.FAN_MOVED_TO != 0 {
		events = append(events, "MOVED_TO")
	}
	if mask&unix.FAN_MOVED_FROM != 0 {
		events = append(events, "MOVED_FROM")
	}
	if len(events) == 0 {
		return fmt.Sprintf("OTHER(0x%x)", mask)
	}
	return strings.Join(events, "|")
}
