//go:build linux

package model

import "golang.org/x/sys/unix"

// fanotify 事件在内核缓冲区中的布局:
// [FanotifyEventMetadata][FanotifyEventInfoFid][FileHandle][f_handle][name\0] ...
const (
	FanotifyEventMetadataSize = 24
	FanotifyInfoHeaderSize    = 4
	FanotifyFsidSize          = 8
	FileHandleHeaderSize      = 8
)

// FanotifyEventInfoHeader 对应 fanotify_event_info_header
type FanotifyEventInfoHeader struct {
	InfoType uint8  // FID / DFID_NAME / PIDFD ...
	Pad      uint8  // 对齐
	Len      uint16 // 整个 info 块长度 (含 header)
}

// FanotifyEventInfoFid 对应 fanotify_event_info_fid 的固定部分, 之后紧跟 file_handle
type FanotifyEventInfoFid struct {
	Hdr  FanotifyEventInfoHeader
	Fsid unix.Fsid
}

// FileHandle 对应 struct file_handle 的头部, 之后紧跟 HandleBytes 字节的 f_handle
type FileHandle struct {
	HandleBytes uint32
	HandleType  uint32
}

// NameLen 计算 DFID_NAME 信息块中文件名 (含结尾 \0) 的长度
func (fid FanotifyEventInfoFid) NameLen(fh FileHandle) int {
	return int(fid.Hdr.Len) - FanotifyInfoHeaderSize - FanotifyFsidSize - FileHandleHeaderSize - int(fh.HandleBytes)
}
