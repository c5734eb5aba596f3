// Package main 是应用程序的入口点。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"pagechat-go/internal/config"
	"pagechat-go/internal/handler"
	"pagechat-go/internal/middleware"
	"pagechat-go/internal/pipeline"
	"pagechat-go/internal/repository"
	"pagechat-go/internal/service"
	"pagechat-go/pkg/database"
	"pagechat-go/pkg/embedding"
	"pagechat-go/pkg/es"
	"pagechat-go/pkg/kafka"
	"pagechat-go/pkg/llm"
	"pagechat-go/pkg/log"
	"pagechat-go/pkg/metrics"
	"pagechat-go/pkg/storage"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径，留空则只使用默认值与环境变量")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 初始化数据库和 Redis
	database.InitDB(cfg.Database)
	database.InitRedis(cfg.Database.Redis)

	var streamingMetrics *metrics.StreamingMetrics
	if cfg.Metrics.Enabled {
		streamingMetrics = metrics.NewStreamingMetrics(prometheus.DefaultRegisterer)
	}

	// 4. 初始化 Repository
	conversationRepo := repository.NewConversationRepository(database.DB)
	var pageContextRepo repository.PageContextRepository
	if database.RDB != nil {
		pageContextRepo = repository.NewPageContextRepository(database.RDB, cfg.Assistant.ContextTTL)
	}

	// 5. 检索、模型与归档
	var retriever service.Retriever
	if cfg.Assistant.Retrieval.Enabled && cfg.Elasticsearch.Addresses != "" {
		if err := es.InitES(cfg.Elasticsearch, cfg.Embedding.Dimensions); err != nil {
			log.Warnf("es 初始化失败，知识库检索已禁用: %v", err)
		} else {
			retriever = service.NewESRetriever(embedding.NewClient(cfg.Embedding), es.ESClient, cfg.Elasticsearch.IndexName)
		}
	}

	llmClient, err := llm.NewClient(rootCtx, cfg.LLM)
	if err != nil {
		log.Fatal("初始化 LLM 客户端失败", err)
	}
	if closer, ok := llmClient.(io.Closer); ok {
		defer closer.Close()
	}

	var archiver service.TurnArchiver
	var consumer *kafka.Consumer
	if cfg.Archive.Enabled && cfg.Kafka.Brokers != "" {
		store, err := storage.NewMinIOStore(rootCtx, cfg.MinIO)
		if err != nil {
			log.Fatal("初始化归档存储失败", err)
		}
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		archiver = producer
		consumer = kafka.NewConsumer(cfg.Kafka, pipeline.NewProcessor(store), database.RDB)
	}

	// 6. 初始化 Service (依赖注入)
	assembler := service.NewContextAssembler(conversationRepo, retriever, service.AssemblerOptionsFromConfig(cfg.Assistant))
	chatService := service.NewChatService(assembler, llmClient, llm.ParamsFromConfig(cfg.LLM), cfg.Assistant.Demo.FragmentDelay)
	conversationService := service.NewConversationService(conversationRepo, pageContextRepo, retriever, chatService, handler.StreamPath)
	sessionService := service.NewSessionService(conversationRepo, chatService, pageContextRepo, archiver, streamingMetrics)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())
	if streamingMetrics != nil {
		r.Use(middleware.RequestMetrics(streamingMetrics))
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.Handler()))
	}

	// 8. 注册路由
	r.GET("/healthz", handler.NewHealthHandler(database.DB, database.RDB).Healthz)
	handler.RegisterRoutes(r,
		handler.NewConversationHandler(conversationService),
		handler.NewChatHandler(conversationService, sessionService),
	)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
		// 停机时取消进行中的流
		BaseContext: func(net.Listener) context.Context { return rootCtx },
	}

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP 服务监听失败: %w", err)
		}
		return nil
	})
	if consumer != nil {
		g.Go(func() error {
			return consumer.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("接收到停机信号，正在关闭服务...")

		// 设置一个5秒的超时上下文
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	})

	if err := g.Wait(); err != nil {
		log.Errorf("服务异常退出: %v", err)
		return
	}
	log.Info("服务已优雅关闭")
}
