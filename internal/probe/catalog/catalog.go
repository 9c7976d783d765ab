// Пакет catalog: явный реестр плагинов проб.
// Каталог заполняется при старте процесса; плагины не загружаются
// динамически, а регистрируются вызовом Register.
package catalog

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"sync"
)

// Category: категория пробы. Совпадает с probe_type результата.
type Category string

const (
	Antivirus Category = "antivirus"
	Metadata  Category = "metadata"
	External  Category = "external"
	Database  Category = "database"
	Tools     Category = "tools"
)

var validCategories = map[Category]bool{
	Antivirus: true, Metadata: true, External: true, Database: true, Tools: true,
}

// Ошибки каталога.
var (
	ErrDuplicate        = errors.New("плагин уже зарегистрирован")
	ErrInvalidPlugin    = errors.New("некорректное описание плагина")
	ErrUnmetDependency  = errors.New("зависимость плагина не выполнена")
	ErrCategoryMismatch = errors.New("категория пробы не совпадает с каталогом")
)

// Dependency: условие, которое должно выполняться для запуска плагина.
type Dependency interface {
	// Check возвращает ErrUnmetDependency, если условие не выполнено на goos.
	Check(goos string) error
	String() string
}

// PlatformDependency: плагин работает только на указанной платформе.
// Платформа задаётся в обозначениях sys.platform: win32, linux, darwin.
type PlatformDependency struct {
	Platform string
}

// platformGOOS сопоставляет обозначения платформ значениям GOOS.
var platformGOOS = map[string]string{
	"win32":  "windows",
	"linux":  "linux",
	"darwin": "darwin",
}

// Check проверяет платформу.
func (d PlatformDependency) Check(goos string) error {
	want, ok := platformGOOS[d.Platform]
	if !ok {
		want = d.Platform
	}
	if goos != want {
		return fmt.Errorf("%w: требуется платформа %s, текущая %s", ErrUnmetDependency, d.Platform, goos)
	}
	return nil
}

func (d PlatformDependency) String() string {
	return "platform:" + d.Platform
}

// Plugin: метаданные плагина пробы.
type Plugin struct {
	Name         string
	DisplayName  string
	Author       string
	Version      string
	Category     Category
	Description  string
	Dependencies []Dependency
}

// Check проверяет все зависимости плагина для goos.
func (p Plugin) Check(goos string) error {
	var errs []error
	for _, d := range p.Dependencies {
		if err := d.Check(goos); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Catalog: реестр плагинов проб.
type Catalog struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

// New создаёт пустой каталог.
func New() *Catalog {
	return &Catalog{plugins: make(map[string]Plugin)}
}

// Register добавляет плагин в каталог.
func (c *Catalog) Register(p Plugin) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: пустое имя", ErrInvalidPlugin)
	}
	if !validCategories[p.Category] {
		return fmt.Errorf("%w: неизвестная категория %q у %s", ErrInvalidPlugin, p.Category, p.Name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.plugins[p.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.Name)
	}
	c.plugins[p.Name] = p
	return nil
}

// Lookup возвращает плагин по имени.
func (c *Catalog) Lookup(name string) (Plugin, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plugins[name]
	return p, ok
}

// List возвращает все плагины, упорядоченные по имени.
func (c *Catalog) List() []Plugin {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Plugin, 0, len(c.plugins))
	for _, p := range c.plugins {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b Plugin) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Available возвращает плагины, зависимости которых выполнены на goos.
func (c *Catalog) Available(goos string) []Plugin {
	all := c.List()
	out := all[:0]
	for _, p := range all {
		if p.Check(goos) == nil {
			out = append(out, p)
		}
	}
	return out
}

// Validate проверяет пару (тип, имя) пробы перед запуском.
// Незарегистрированные пробы допускаются: их выполняет внешняя подсистема.
func (c *Catalog) Validate(probeType, probeName string) error {
	p, ok := c.Lookup(probeName)
	if !ok {
		return nil
	}
	if string(p.Category) != probeType {
		return fmt.Errorf("%w: %s зарегистрирован как %s, запрошен %s",
			ErrCategoryMismatch, probeName, p.Category, probeType)
	}
	return nil
}

// McAfeeVSCLWin: плагин McAfee VirusScan Command Line для Windows.
var McAfeeVSCLWin = Plugin{
	Name:         "McAfeeVSCLWin",
	DisplayName:  "McAfee VirusScan Command Line",
	Author:       "IRMA (c) Quarkslab",
	Version:      "1.0.0",
	Category:     Antivirus,
	Description:  "Plugin for McAfee VirusScan Command Line (VSCL) scanner on Windows",
	Dependencies: []Dependency{PlatformDependency{Platform: "win32"}},
}

// Builtin: плагины, регистрируемые при старте.
func Builtin() []Plugin {
	return []Plugin{McAfeeVSCLWin}
}

// Default создаёт каталог со встроенными плагинами.
func Default() (*Catalog, error) {
	c := New()
	for _, p := range Builtin() {
		if err := c.Register(p); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// CurrentOS возвращает GOOS процесса.
func CurrentOS() string {
	return runtime.GOOS
}
