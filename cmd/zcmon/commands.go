package main

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/backkem/sidecar/pkg/discovery"
	"github.com/backkem/sidecar/pkg/pubsub"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newBrowseCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "browse",
		Short: "List service instances as they appear and disappear",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(*opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			typ, err := a.serviceType()
			if err != nil {
				return err
			}

			return a.run(cmd.Context(), func(context.Context) (func() error, error) {
				browser, err := discovery.NewBrowser(discovery.BrowserConfig{
					Daemon:         a.daemon,
					MonitorFactory: &discovery.ReactorMonitorFactory{Reactor: a.reactor, LoggerFactory: a.logs},
					Type:           typ,
					Domain:         a.opts.Domain,
					Interface:      a.opts.Interface,
					Net:            a.net,
					LoggerFactory:  a.logs,
				})
				if err != nil {
					return nil, err
				}

				browser.OnLost(func(entries []*discovery.ServiceEntry) {
					for _, e := range entries {
						a.out.printf("- %s %s%s if=%d\n", e.Name(), e.Type(), e.Domain(), e.Interface())
					}
				})
				browser.OnFound(func(entries []*discovery.ServiceEntry) {
					for _, e := range entries {
						a.out.printf("+ %s %s%s if=%d\n", e.Name(), e.Type(), e.Domain(), e.Interface())
						e.OnResolved(func(e *discovery.ServiceEntry) {
							a.out.printf("  %s\n", describeResolved(e))
						})
						if err := e.Resolve(false); err != nil {
							a.log.Warnf("resolve %s: %v", e.Name(), err)
						}
					}
				})

				if err := browser.Start(); err != nil {
					return nil, err
				}
				a.log.Infof("browsing %s", typ)
				return func() error {
					browser.Stop()
					return nil
				}, nil
			})
		},
	}
	opts.bindTypeFlags(cmd.Flags())
	return cmd
}

func newResolveCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve NAME",
		Short: "Resolve one service instance and print its connection details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.reactor.Close()
			defer a.logs.Sync()

			typ, err := a.serviceType()
			if err != nil {
				return err
			}

			entry, err := discovery.NewServiceEntry(discovery.ServiceEntryConfig{
				Daemon:        a.daemon,
				Monitor:       discovery.NewReactorMonitor(a.reactor, a.logs),
				Net:           a.net,
				LoggerFactory: a.logs,
			}, args[0], typ, a.opts.Domain, a.opts.Interface)
			if err != nil {
				return err
			}
			if err := entry.Resolve(true); err != nil {
				return err
			}
			if !entry.IsResolved() {
				return fmt.Errorf("%s: not resolved", args[0])
			}
			a.out.printf("%s\n", describeResolved(entry))
			return nil
		},
	}
	opts.bindTypeFlags(cmd.Flags())
	return cmd
}

func describeResolved(e *discovery.ServiceEntry) string {
	r := e.ResolvedEntry()
	if r == nil {
		return e.Name() + ": unresolved"
	}

	text := r.Text()
	keys := make([]string, 0, len(text))
	for k := range text {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+text[k])
	}

	return fmt.Sprintf("%s -> %s:%d (native %s) txt[%s]",
		e.Name(), r.DialHost(), r.Port(), r.NativeDialHost(), strings.Join(pairs, " "))
}

// dataSender is what publish needs from the two data publishers.
type dataSender interface {
	Send(ctx context.Context, data []byte) error
	Publisher() *pubsub.DataPublisher
	Close() error
}

func newPublishCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish [NAME]",
		Short: "Advertise a data publisher and send a counter at a fixed rate",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			name := defaultName("publisher")
			if len(args) > 0 {
				name = args[0]
			}

			return a.run(cmd.Context(), func(ctx context.Context) (func() error, error) {
				sender, err := a.newSender()
				if err != nil {
					return nil, err
				}

				sender.Publisher().OnReady(func(serviceName string) {
					a.out.printf("published as %q\n", serviceName)
				})
				sender.Publisher().Status().OnChange(func(text string) {
					if text != "" {
						a.out.printf("status: %s\n", text)
					}
				})

				switch s := sender.(type) {
				case *pubsub.MulticastDataPublisher:
					err = s.Open(name)
				case *pubsub.TCPDataPublisher:
					err = s.Open(name)
				}
				if err != nil {
					return nil, err
				}

				var seq uint64
				if _, err := a.reactor.Schedule(a.opts.Rate, a.opts.Rate, func() {
					seq++
					payload := []byte(fmt.Sprintf("%s %d\n", name, seq))
					if pad := a.opts.PayloadSize - len(payload); pad > 0 {
						payload = append(payload, bytes.Repeat([]byte{'.'}, pad)...)
					}
					// Send blocks while the queue is full; never stall the reactor past one tick.
					sendCtx, cancel := context.WithTimeout(ctx, a.opts.Rate)
					defer cancel()
					if err := sender.Send(sendCtx, payload); err != nil {
						a.log.Debugf("send %d: %v", seq, err)
					}
				}); err != nil {
					return nil, err
				}
				return sender.Close, nil
			})
		},
	}
	opts.bindKeyFlag(cmd.Flags())
	opts.bindRateFlag(cmd.Flags(), "send interval")
	cmd.Flags().StringVar(&opts.Transport, "transport", opts.Transport, "data transport (multicast, tcp)")
	cmd.Flags().StringVar(&opts.Group, "group", opts.Group, "multicast group")
	cmd.Flags().StringVar(&opts.Host, "host", opts.Host, "host advertised to subscribers (tcp)")
	cmd.Flags().IntVar(&opts.PayloadSize, "payload-size", opts.PayloadSize, "pad payloads to this many bytes")
	return cmd
}

func (a *app) newSender() (dataSender, error) {
	switch strings.ToLower(a.opts.Transport) {
	case "multicast":
		return pubsub.NewMulticastDataPublisher(pubsub.MulticastPublisherConfig{
			Daemon:        a.daemon,
			Reactor:       a.reactor,
			Net:           a.net,
			Key:           a.opts.Key,
			GroupAddress:  a.opts.Group,
			Interface:     a.opts.Interface,
			Metrics:       a.metrics,
			LoggerFactory: a.logs,
		})
	case "tcp":
		return pubsub.NewTCPDataPublisher(pubsub.TCPPublisherConfig{
			Daemon:        a.daemon,
			Reactor:       a.reactor,
			Net:           a.net,
			Key:           a.opts.Key,
			Host:          a.opts.Host,
			Interface:     a.opts.Interface,
			Metrics:       a.metrics,
			LoggerFactory: a.logs,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", a.opts.Transport)
	}
}

func newSubscribeCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscribe [NAME]",
		Short: "Follow a multicast data publisher and report received data",
		Long: "Follow a multicast data publisher and report received data.\n" +
			"Without NAME the first publisher of --key found is followed.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			var name string
			if len(args) > 0 {
				name = args[0]
			}

			return a.run(cmd.Context(), func(context.Context) (func() error, error) {
				var messages, bytesIn atomic.Uint64
				sub, err := pubsub.NewMulticastDataSubscriber(pubsub.MulticastSubscriberConfig{
					Daemon:      a.daemon,
					Reactor:     a.reactor,
					Net:         a.net,
					Key:         a.opts.Key,
					ServiceName: name,
					Interface:   a.opts.Interface,
					Handler: func(data []byte) {
						messages.Add(1)
						bytesIn.Add(uint64(len(data)))
					},
					LoggerFactory: a.logs,
				})
				if err != nil {
					return nil, err
				}

				sub.Status().OnChange(func(text string) {
					if text != "" {
						a.out.printf("status: %s\n", text)
					}
				})
				sub.Subscriber().OnResolved(func(e *discovery.ServiceEntry) {
					a.out.printf("following %s\n", describeResolved(e))
				})

				if err := sub.Open(); err != nil {
					return nil, err
				}

				if _, err := a.reactor.Schedule(a.opts.Rate, a.opts.Rate, func() {
					a.out.printf("received %d messages, %d bytes\n", messages.Load(), bytesIn.Load())
				}); err != nil {
					return nil, err
				}
				return sub.Close, nil
			})
		},
	}
	opts.bindKeyFlag(cmd.Flags())
	opts.bindRateFlag(cmd.Flags(), "report interval")
	return cmd
}

func newEmitCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emit [NAME] [KEY=VALUE...]",
		Short: "Send state to every state collector found",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			name, values, err := parseEmitArgs(args)
			if err != nil {
				return err
			}

			return a.run(cmd.Context(), func(ctx context.Context) (func() error, error) {
				emitter, err := pubsub.NewStateEmitter(pubsub.StateEmitterConfig{
					Daemon:        a.daemon,
					Reactor:       a.reactor,
					Net:           a.net,
					Domain:        a.opts.Domain,
					Interface:     a.opts.Interface,
					Metrics:       a.metrics,
					LoggerFactory: a.logs,
				})
				if err != nil {
					return nil, err
				}
				for k, v := range values {
					emitter.SetState(k, v)
				}
				if err := emitter.Open(name); err != nil {
					return nil, err
				}

				var seq uint64
				if _, err := a.reactor.Schedule(a.opts.Rate, a.opts.Rate, func() {
					seq++
					emitter.SetState("sequence", fmt.Sprint(seq))
					pubCtx, cancel := context.WithTimeout(ctx, a.opts.Rate)
					defer cancel()
					if err := emitter.Publish(pubCtx); err != nil {
						a.log.Warnf("publish state: %v", err)
					}
				}); err != nil {
					return nil, err
				}
				a.log.Infof("emitting state as %q", name)
				return emitter.Close, nil
			})
		},
	}
	opts.bindRateFlag(cmd.Flags(), "publish interval")
	return cmd
}

// parseEmitArgs splits emit's arguments into the emitter name and its
// initial state. A leading argument without '=' is the name.
func parseEmitArgs(args []string) (string, map[string]string, error) {
	name := ""
	if len(args) > 0 && !strings.Contains(args[0], "=") {
		name, args = args[0], args[1:]
	}
	if name == "" {
		name = defaultName("emitter")
	}

	values := make(map[string]string, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return "", nil, fmt.Errorf("invalid state %q, want KEY=VALUE", arg)
		}
		values[k] = v
	}
	return name, values, nil
}

func newCollectCmd(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collect [NAME]",
		Short: "Advertise a state collector and print the states received",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*opts, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			name := defaultName("collector")
			if len(args) > 0 {
				name = args[0]
			}

			return a.run(cmd.Context(), func(context.Context) (func() error, error) {
				collector, err := pubsub.NewStateCollector(pubsub.StateCollectorConfig{
					Daemon:        a.daemon,
					Reactor:       a.reactor,
					Net:           a.net,
					Host:          a.opts.Host,
					Interface:     a.opts.Interface,
					Metrics:       a.metrics,
					LoggerFactory: a.logs,
				})
				if err != nil {
					return nil, err
				}

				collector.Publisher().OnReady(func(serviceName string) {
					a.out.printf("collecting as %q on %s\n", serviceName, collector.Addr())
				})
				collector.OnState(func(s pubsub.State) {
					data, err := yaml.Marshal(s)
					if err != nil {
						a.log.Warnf("print state: %v", err)
						return
					}
					a.out.printf("---\n%s", data)
				})

				if err := collector.Open(name); err != nil {
					return nil, err
				}
				return collector.Close, nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Host, "host", opts.Host, "host advertised to emitters")
	return cmd
}
