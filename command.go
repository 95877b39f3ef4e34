package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"git.fiblab.net/general/common/v2/parallel"
	"git.fiblab.net/sim/syncer/v3"
	easy "git.fiblab.net/utils/logrus-easy-formatter"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/phase"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/entity/policy/advisor"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/ops"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/output"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/simulator/bridge"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/simulator/synthetic"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/task"
	"github.com/tsinghua-fib-lab/agentsociety-signal-oss/utils/config"
)

var (
	// 配置文件路径
	configPath string
	// 配置文件Base64编码后的数据
	configData string
	// 分布式模式syncer地址，如果设置为空则激活独立部署模式
	syncerAddr string
	// 本程序监听的RPC地址，为空时使用配置文件中的ops.listen
	listenAddr string
	// 日志级别
	logLevel string

	// log
	logLevels = map[string]logrus.Level{
		"trace":    logrus.TraceLevel,
		"debug":    logrus.DebugLevel,
		"info":     logrus.InfoLevel,
		"warn":     logrus.WarnLevel,
		"error":    logrus.ErrorLevel,
		"critical": logrus.FatalLevel,
		"off":      logrus.PanicLevel,
	}

	log = logrus.WithField("module", "main")
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "signal",
		Short:         "Adaptive traffic signal controller for a single intersection",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logrus.SetFormatter(&easy.Formatter{
				TimestampFormat: "2006-01-02 15:04:05.0000",
				LogFormat:       "[%module%] [%time%] [%lvl%] %msg%\n",
			})
			level, ok := logLevels[logLevel]
			if !ok {
				return fmt.Errorf("log.level must be one of %v", lo.Keys(logLevels))
			}
			logrus.SetLevel(level)
			return nil
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "config file path")
	flags.StringVar(&configData, "config-data", "", "config file base64 encoded data")
	flags.StringVar(&logLevel, "log.level", "info", "日志级别（可选项：trace debug info warn error critical off）")
	// 其他包通过flag注册的参数（如rand.seed_offset）
	flags.AddGoFlagSet(flag.CommandLine)

	root.AddCommand(newRunCommand(), newCompareCommand(), newValidateCommand())
	return root
}

// loadConfig 读取配置文件或Base64配置数据，补全默认值并校验
func loadConfig() (*config.RuntimeConfig, error) {
	var file []byte
	var err error
	switch {
	case configPath != "":
		if file, err = os.ReadFile(configPath); err != nil {
			return nil, fmt.Errorf("config file load err: %w", err)
		}
	case configData != "":
		if file, err = base64.StdEncoding.DecodeString(configData); err != nil {
			return nil, fmt.Errorf("config data load err: %w", err)
		}
	default:
		return nil, errors.New("config file or config data must be specified")
	}
	c, err := config.Parse(file)
	if err != nil {
		return nil, err
	}
	return config.NewRuntimeConfig(c)
}

// monitoredLanes 配置中所有被监测车道
func monitoredLanes(c config.Intersection) []string {
	sets := append(slices.Clone(c.Approaches), c.Groups...)
	return lo.Uniq(lo.FlatMap(sets, func(s config.LaneSet, _ int) []string { return s.Lanes }))
}

// newSimulator 按配置连接桥接进程或创建合成仿真器
func newSimulator(ctx context.Context, rc *config.RuntimeConfig) (entity.ISimulator, error) {
	sc := rc.All.Simulator
	switch sc.Kind {
	case config.SimulatorBridge:
		return bridge.Dial(ctx, sc.Network, sc.Address, sc.Timeout, monitoredLanes(rc.All.Intersection))
	case config.SimulatorSynthetic:
		return synthetic.New(sc, rc.TickSeconds())
	}
	return nil, fmt.Errorf("unknown simulator kind %q", sc.Kind)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the control loop against the configured simulator",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), rc)
		},
	}
	cmd.Flags().StringVar(&syncerAddr, "syncer", "", "syncer address (empty means standalone mode), e.g. http://localhost:53001")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "RPC listening address, e.g. :51102")
	return cmd
}

// run 组装所有协作方并运行一次控制循环
// 算法说明：
// 1. 连接仿真器，创建输出、指标、健康检查与顾问客户端（按配置）
// 2. 创建sidecar并注册时钟与状态服务（设置了监听地址时）
// 3. 运行控制循环，SIGINT/SIGTERM在当前tick结束后停止
// 4. 输出运行摘要并释放资源
func run(parent context.Context, rc *config.RuntimeConfig) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim, err := newSimulator(ctx, rc)
	if err != nil {
		return fmt.Errorf("simulator: %w", err)
	}
	outputs, err := output.New(ctx, rc.All.Output)
	if err != nil {
		sim.Close()
		return err
	}

	opts := task.Options{Outputs: outputs, Status: ops.NewStatus()}
	if addr := rc.All.Ops.MetricsAddr; addr != "" {
		opts.Metrics = ops.NewCollector()
		go func() {
			if err := ops.ServeMetrics(addr); err != nil {
				log.Errorf("metrics server stopped: %v", err)
			}
		}()
	}
	if addr := rc.All.Ops.HealthAddr; addr != "" {
		opts.Health = ops.NewHealth()
		if err := opts.Health.Serve(addr); err != nil {
			sim.Close()
			return err
		}
		defer opts.Health.Stop()
	}
	if rc.C.Policy == config.PolicyLLM {
		if opts.Advisor, err = advisor.NewGemini(ctx, rc.All.Policy.LLM); err != nil {
			sim.Close()
			return err
		}
	}
	listen := lo.Ternary(listenAddr != "", listenAddr, rc.All.Ops.Listen)
	if listen != "" || syncerAddr != "" {
		opts.Sidecar = syncer.NewSidecar(task.SelfName, listen, syncerAddr)
		opts.Serve = true
	}

	t, err := task.NewContext(rc, sim, opts)
	if err != nil {
		sim.Close()
		return err
	}
	summary, runErr := t.Run(ctx)
	if err := t.Close(); err != nil {
		log.Warnf("close: %v", err)
	}
	if summary != nil {
		if err := printJSON(summary); err != nil {
			return err
		}
	}
	return runErr
}

func newCompareCommand() *cobra.Command {
	var policies []string
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Run several policies on identical synthetic traffic and compare their summaries",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadConfig()
			if err != nil {
				return err
			}
			return compare(rc, policies)
		},
	}
	cmd.Flags().StringSliceVar(&policies, "policies",
		[]string{config.PolicyFixed, config.PolicyMaxPressure, config.PolicyWebsterPID, config.PolicyPPO},
		"policies to compare")
	return cmd
}

type comparison struct {
	policy  string
	summary *task.Summary
	err     error
}

// compare 在相同随机种子的合成仿真器上并行运行多个策略
// 说明：每个策略独占一个仿真器实例，结果按平均延误升序输出
func compare(base *config.RuntimeConfig, policies []string) error {
	if base.All.Simulator.Kind != config.SimulatorSynthetic {
		return errors.New("compare needs simulator.kind synthetic")
	}
	results := parallel.GoMap(policies, func(name string) comparison {
		c := base.All
		c.Control.Policy = name
		c.Output = config.Output{}
		rc, err := config.NewRuntimeConfig(c)
		if err != nil {
			return comparison{policy: name, err: err}
		}
		if name == config.PolicyLLM {
			return comparison{policy: name, err: errors.New("llm is not compared offline")}
		}
		sim, err := synthetic.New(rc.All.Simulator, rc.TickSeconds())
		if err != nil {
			return comparison{policy: name, err: err}
		}
		t, err := task.NewContext(rc, sim, task.Options{RunID: "compare-" + name})
		if err != nil {
			return comparison{policy: name, err: err}
		}
		defer t.Close()
		sum, err := t.Run(context.Background())
		return comparison{policy: name, summary: sum, err: err}
	})

	failed := lo.Filter(results, func(r comparison, _ int) bool { return r.err != nil })
	for _, r := range failed {
		log.Errorf("policy %s failed: %v", r.policy, r.err)
	}
	ok := lo.Filter(results, func(r comparison, _ int) bool { return r.err == nil })
	slices.SortFunc(ok, func(a, b comparison) int {
		switch {
		case a.summary.AvgDelaySec < b.summary.AvgDelaySec:
			return -1
		case a.summary.AvgDelaySec > b.summary.AvgDelaySec:
			return 1
		}
		return 0
	})
	fmt.Printf("%-14s %12s %10s %14s %10s\n", "policy", "avg_delay_s", "arrived", "reward", "switches")
	for _, r := range ok {
		s := r.summary
		fmt.Printf("%-14s %12.2f %10d %14.1f %10d\n", r.policy, s.AvgDelaySec, s.TotalArrived, s.CumulativeReward, s.Switches)
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d policies failed", len(failed), len(results))
	}
	return nil
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config and print the resolved phase table",
		RunE: func(cmd *cobra.Command, args []string) error {
			rc, err := loadConfig()
			if err != nil {
				return err
			}
			table, err := phase.FromConfig(rc.All.Intersection)
			if err != nil {
				return err
			}
			for id, p := range table.Phases() {
				kind := lo.Ternary(p.IsYellow(), "yellow", "green")
				fmt.Printf("%2d %-20s %-24s %-6s %5d ticks  group %s\n", id, p.Name, p.State, kind, p.Duration, p.Group)
			}
			fmt.Printf("policy %s, %d ticks of %.2fs, lanes %v\n",
				rc.C.Policy, rc.C.Step.Total, rc.TickSeconds(), monitoredLanes(rc.All.Intersection))
			return nil
		},
	}
}
