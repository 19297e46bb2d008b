package agent

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	xerrors "AuctionMesh/internal/errors"

	"gopkg.in/yaml.v3"
)

// Profile 描述一个可以参与竞拍并执行子任务的智能体。
type Profile struct {
	ID             string   `yaml:"id" json:"id"`
	Type           string   `yaml:"type" json:"type"`
	Capabilities   []string `yaml:"capabilities" json:"capabilities,omitempty"`
	Wallet         string   `yaml:"wallet" json:"wallet,omitempty"`
	Endpoint       string   `yaml:"endpoint" json:"endpoint,omitempty"`
	Queue          string   `yaml:"queue" json:"queue,omitempty"`
	Reliability    int      `yaml:"reliability" json:"reliability"`
	TasksCompleted int      `yaml:"-" json:"tasks_completed"`
}

// bidderID 是智能体在账本上出价时使用的身份：有钱包地址时使用地址。
func (p Profile) bidderID() string {
	if p.Wallet != "" {
		return p.Wallet
	}
	return p.ID
}

// Registry 保存已知智能体，可按 ID 或钱包地址查找。
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Profile
	byWallet map[string]*Profile
}

type registryFile struct {
	Agents []Profile `yaml:"agents"`
}

// NewRegistry 使用给定的智能体创建注册表。
func NewRegistry(profiles ...Profile) (*Registry, error) {
	r := &Registry{
		byID:     make(map[string]*Profile),
		byWallet: make(map[string]*Profile),
	}
	for _, p := range profiles {
		if err := r.add(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// LoadRegistry 从 YAML 文件加载智能体。路径为空时返回空注册表。
func LoadRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return NewRegistry()
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取智能体配置失败: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析智能体配置失败: %w", err)
	}
	return NewRegistry(file.Agents...)
}

func (r *Registry) add(p Profile) error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return fmt.Errorf("智能体缺少 id")
	}
	if _, exists := r.byID[p.ID]; exists {
		return fmt.Errorf("智能体 %s 重复注册", p.ID)
	}
	if p.Reliability == 0 {
		p.Reliability = 100
	}
	profile := p
	r.byID[p.ID] = &profile
	if wallet := strings.ToLower(strings.TrimSpace(p.Wallet)); wallet != "" {
		if _, exists := r.byWallet[wallet]; exists {
			return fmt.Errorf("钱包地址 %s 被多个智能体使用", p.Wallet)
		}
		r.byWallet[wallet] = &profile
	}
	return nil
}

// Resolve 按 ID 或钱包地址（不区分大小写）查找智能体。
func (r *Registry) Resolve(agentID string) (Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := strings.TrimSpace(agentID)
	if p, ok := r.byID[key]; ok {
		return *p, nil
	}
	if p, ok := r.byWallet[strings.ToLower(key)]; ok {
		return *p, nil
	}
	return Profile{}, xerrors.New(CodeUnknownAgent, fmt.Sprintf("智能体 %s 未注册", agentID))
}

// List 返回按 ID 排序的全部智能体。
func (r *Registry) List() []Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]Profile, 0, len(r.byID))
	for _, p := range r.byID {
		list = append(list, *p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// BidderIDs 返回智能体在账本上的出价身份，供本地仲裁者模拟出价。
func (r *Registry) BidderIDs() []string {
	profiles := r.List()
	ids := make([]string, 0, len(profiles))
	for _, p := range profiles {
		ids = append(ids, p.bidderID())
	}
	return ids
}

// RecordCompletion 记录一次成功执行。
func (r *Registry) RecordCompletion(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := strings.TrimSpace(agentID)
	p, ok := r.byID[key]
	if !ok {
		p, ok = r.byWallet[strings.ToLower(key)]
	}
	if ok {
		p.TasksCompleted++
	}
}
