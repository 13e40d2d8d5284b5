package space

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xmysql-lob/logger"
	"github.com/zhukovaskychina/xmysql-lob/server/innodb/storage/store/pages"
	"github.com/zhukovaskychina/xmysql-lob/util"
)

const doublewriteMagic uint32 = 0x44424C57 // "DBLW"

// FileSpaceConfig 文件表空间配置
type FileSpaceConfig struct {
	Path        string
	SpaceID     uint32
	PageSize    int
	MaxPages    uint32
	Doublewrite bool
}

// FileSpace 单文件表空间. 0号页是表空间头, 记录UUID、序列号计数器和高水位.
type FileSpace struct {
	*allocator
	cfg  FileSpaceConfig
	uuid uuid.UUID

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// OpenFileSpace 打开表空间, 文件不存在时创建
func OpenFileSpace(cfg FileSpaceConfig) (*FileSpace, error) {
	if err := util.EnsureDir(filepath.Dir(cfg.Path)); err != nil {
		return nil, errors.Wrapf(err, "create dir for %s", cfg.Path)
	}
	fresh := !util.FileExists(cfg.Path)

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open tablespace %s", cfg.Path)
	}
	s := &FileSpace{
		allocator: newAllocator(cfg.MaxPages),
		cfg:       cfg,
		file:      f,
	}

	if fresh {
		s.uuid = uuid.New()
		if err := s.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		logger.Infof("created tablespace %s (id=%d, page size=%d, uuid=%s)", cfg.Path, cfg.SpaceID, cfg.PageSize, s.uuid)
		return s, nil
	}

	if err := s.recoverDoublewrite(); err != nil {
		f.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		f.Close()
		return nil, err
	}
	logger.Infof("opened tablespace %s (pages=%d, free=%d, next serial=%d)", cfg.Path, s.size, len(s.free), s.nextSerial)
	return s, nil
}

func (s *FileSpace) ID() uint32      { return s.cfg.SpaceID }
func (s *FileSpace) PageSize() int   { return s.cfg.PageSize }
func (s *FileSpace) UUID() uuid.UUID { return s.uuid }

// load 读取表空间头, 并按页面类型重建空闲页集合
func (s *FileSpace) load() error {
	buf := make([]byte, s.cfg.PageSize)
	if err := util.ReadFullAt(s.file, buf[:pages.FileHeaderSize+64], 0); err != nil {
		return errors.Wrap(err, "read tablespace header")
	}
	// 先只读头部拿到页大小, 不一致时不能按配置解析整页
	if size := binary.BigEndian.Uint32(buf[pages.FilPageData+8:]); int(size) != s.cfg.PageSize {
		return errors.Wrapf(ErrPageSizeMismatch, "configured %d, file has %d", s.cfg.PageSize, size)
	}
	if err := util.ReadFullAt(s.file, buf, 0); err != nil {
		return errors.Wrap(err, "read tablespace header")
	}
	p := pages.Page(buf)
	if err := p.Verify(); err != nil {
		return errors.Wrapf(ErrInvalidHeader, "%v", err)
	}
	hdr, err := pages.ReadSpaceHeader(p)
	if err != nil {
		return errors.Wrapf(ErrInvalidHeader, "%v", err)
	}
	if p.SpaceID() != s.cfg.SpaceID {
		return errors.Wrapf(ErrInvalidHeader, "space id %d, expected %d", p.SpaceID(), s.cfg.SpaceID)
	}

	s.uuid = uuid.UUID(hdr.UUID)
	s.size = hdr.Size
	s.nextSerial = hdr.NextSerial
	s.free = s.free[:0]

	head := make([]byte, pages.FileHeaderSize)
	for no := uint32(1); no < hdr.Size; no++ {
		if err := util.ReadFullAt(s.file, head, int64(no)*int64(s.cfg.PageSize)); err != nil {
			return errors.Wrapf(err, "scan page %d", no)
		}
		if pages.Page(head).Type().IsFree() {
			s.free = append(s.free, no)
		}
	}
	return nil
}

func (s *FileSpace) headerImage() []byte {
	s.allocator.mu.Lock()
	hdr := pages.SpaceHeader{
		Version:    pages.SpaceHeaderVersion,
		PageSize:   uint32(s.cfg.PageSize),
		UUID:       [16]byte(s.uuid),
		NextSerial: s.nextSerial,
		Size:       s.size,
	}
	s.allocator.mu.Unlock()

	buf := make([]byte, s.cfg.PageSize)
	hdr.Write(pages.Page(buf), s.cfg.SpaceID)
	return buf
}

func (s *FileSpace) writeHeader() error {
	if _, err := s.file.WriteAt(s.headerImage(), 0); err != nil {
		return errors.Wrap(err, "write tablespace header")
	}
	return errors.Wrap(s.file.Sync(), "sync tablespace header")
}

func (s *FileSpace) ReadPage(pageNo uint32, buf []byte) error {
	if len(buf) != s.cfg.PageSize {
		return errors.Wrapf(pages.ErrInvalidPageSize, "read page %d: buffer %d", pageNo, len(buf))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSpaceClosed
	}
	return errors.Wrapf(util.ReadFullAt(s.file, buf, int64(pageNo)*int64(s.cfg.PageSize)), "read page %d", pageNo)
}

func (s *FileSpace) doublewritePath() string {
	return s.cfg.Path + ".dblwr"
}

// WriteBatch 写入一批页面和表空间头. 启用doublewrite时先把整批镜像写入
// .dblwr 文件并刷盘, 再原地写, 原地写完成后清空 .dblwr.
func (s *FileSpace) WriteBatch(images map[uint32][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSpaceClosed
	}

	batch := make(map[uint32][]byte, len(images)+1)
	for no, img := range images {
		if len(img) != s.cfg.PageSize {
			return errors.Wrapf(pages.ErrInvalidPageSize, "write page %d: image %d", no, len(img))
		}
		batch[no] = img
	}
	batch[0] = s.headerImage()

	order := make([]uint32, 0, len(batch))
	for no := range batch {
		order = append(order, no)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	if s.cfg.Doublewrite {
		if err := s.writeDoublewrite(order, batch); err != nil {
			return err
		}
	}
	for _, no := range order {
		if _, err := s.file.WriteAt(batch[no], int64(no)*int64(s.cfg.PageSize)); err != nil {
			return errors.Wrapf(err, "write page %d", no)
		}
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "sync tablespace")
	}
	if s.cfg.Doublewrite {
		return errors.Wrap(os.Truncate(s.doublewritePath(), 0), "reset doublewrite")
	}
	return nil
}

// 格式: magic(4) count(4) { pageNo(4) image } checksum(4)
func (s *FileSpace) writeDoublewrite(order []uint32, batch map[uint32][]byte) error {
	buf := make([]byte, 0, 8+len(order)*(4+s.cfg.PageSize)+4)
	buf = util.WriteUB4(buf, doublewriteMagic)
	buf = util.WriteUB4(buf, uint32(len(order)))
	for _, no := range order {
		buf = util.WriteUB4(buf, no)
		buf = append(buf, batch[no]...)
	}
	buf = util.WriteUB4(buf, util.FrameChecksum(buf))

	f, err := os.OpenFile(s.doublewritePath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Wrap(err, "open doublewrite")
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return errors.Wrap(err, "write doublewrite")
	}
	return errors.Wrap(f.Sync(), "sync doublewrite")
}

// recoverDoublewrite 完整的doublewrite批次说明原地写可能未完成, 重新应用;
// 校验失败说明批次本身没写完, 原地写还没开始, 直接丢弃
func (s *FileSpace) recoverDoublewrite() error {
	data, err := os.ReadFile(s.doublewritePath())
	if os.IsNotExist(err) || (err == nil && len(data) == 0) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read doublewrite")
	}
	r := util.NewBufferReader(data)
	valid := len(data) >= 12 && r.ReadUB4() == doublewriteMagic &&
		util.FrameChecksum(data[:len(data)-4]) == binary.BigEndian.Uint32(data[len(data)-4:])
	if !valid {
		logger.Warnf("discarding torn doublewrite batch %s (%d bytes)", s.doublewritePath(), len(data))
		return os.Truncate(s.doublewritePath(), 0)
	}
	count := r.ReadUB4()
	for i := uint32(0); i < count; i++ {
		no := r.ReadUB4()
		img := r.ReadBytes(s.cfg.PageSize)
		if img == nil {
			return errors.Wrapf(r.Err(), "doublewrite page %d", no)
		}
		if _, err := s.file.WriteAt(img, int64(no)*int64(s.cfg.PageSize)); err != nil {
			return errors.Wrapf(err, "restore page %d", no)
		}
	}
	if err := r.Err(); err != nil {
		return errors.Wrap(err, "parse doublewrite")
	}
	if err := s.file.Sync(); err != nil {
		return errors.Wrap(err, "sync tablespace")
	}
	logger.Infof("restored %d pages from doublewrite batch", count)
	return os.Truncate(s.doublewritePath(), 0)
}

func (s *FileSpace) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSpaceClosed
	}
	return s.file.Sync()
}

func (s *FileSpace) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
