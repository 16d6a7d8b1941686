// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"docqa-go/internal/config"
	"docqa-go/internal/handler"
	"docqa-go/internal/model"
	"docqa-go/internal/pipeline"
	"docqa-go/internal/rag"
	"docqa-go/internal/repository"
	"docqa-go/internal/service"
	"docqa-go/pkg/database"
	"docqa-go/pkg/embedding"
	"docqa-go/pkg/es"
	"docqa-go/pkg/kafka"
	"docqa-go/pkg/llm"
	"docqa-go/pkg/log"
	"docqa-go/pkg/retry"
	"docqa-go/pkg/storage"
	"docqa-go/pkg/tika"
	"docqa-go/pkg/token"
	"docqa-go/pkg/tokenizer"
	"docqa-go/pkg/vectorstore"
)

const jobCacheTTL = 10 * time.Minute

func main() {
	configPath := "./configs/config.yaml"
	if p := os.Getenv("DOCQA_CONFIG"); p != "" {
		configPath = p
	}

	// 1. 初始化配置
	config.Init(configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync()
	log.Info("日志记录器初始化成功")

	rootCtx, stopRoot := context.WithCancel(context.Background())
	defer stopRoot()

	// 3. 初始化数据库、Redis 与对象存储，未配置时使用进程内实现
	var (
		docRepo  repository.DocumentRepository
		jobStore pipeline.JobStore
	)
	if cfg.Database.MySQL.DSN != "" {
		if err := database.InitMySQL(cfg.Database.MySQL.DSN); err != nil {
			log.Fatal("MySQL 初始化失败", err)
		}
		docRepo = repository.NewDocumentRepository(database.DB)
		jobStore = repository.NewJobRepository(database.DB)
	} else {
		log.Warnf("未配置 MySQL，文档与任务记录只保存在内存中")
		docRepo = repository.NewMemoryDocumentRepository()
		jobStore = pipeline.NewMemoryJobStore()
	}
	if cfg.Database.Redis.Addr != "" {
		if err := database.InitRedis(rootCtx, cfg.Database.Redis); err != nil {
			log.Fatal("Redis 初始化失败", err)
		}
		jobStore = repository.NewCachedJobStore(jobStore, database.RDB, jobCacheTTL)
	}

	var blobs rag.BlobStore
	if cfg.MinIO.Endpoint != "" {
		minioStore, err := storage.NewMinioStore(rootCtx, cfg.MinIO)
		if err != nil {
			log.Fatal("MinIO 初始化失败", err)
		}
		blobs = minioStore
	} else {
		log.Warnf("未配置 MinIO，文件只保存在内存中")
		blobs = storage.NewMemoryStore()
	}

	// 4. 初始化向量存储
	store, closeStore, err := newVectorStore(rootCtx, cfg)
	if err != nil {
		log.Fatal("向量存储初始化失败", err)
	}
	defer closeStore()

	// 5. 组装索引与问答组件
	policy := retry.Policy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		BaseDelay:   cfg.Pipeline.BackoffBase,
		MaxDelay:    cfg.Pipeline.BackoffMax,
	}
	components, err := newRAGComponents(cfg, store, blobs, policy)
	if err != nil {
		log.Fatal("RAG 组件初始化失败", err)
	}

	// 6. 初始化任务管理器与服务
	manager := pipeline.NewManager(jobStore, policy)
	plans := pipeline.NewPlans(pipeline.PlanDeps{
		Blobs:       blobs,
		Indexer:     components.indexer,
		Retriever:   components.retriever,
		Synthesizer: components.synthesizer,
		Tracker:     docRepo,
		RAG:         cfg.RAG,
		Summarize:   cfg.Pipeline.Summarize,
	})
	manager.OnFinish(plans.TrackFailures)

	var producer service.TaskProducer
	var kafkaProducer *kafka.Producer
	if cfg.Kafka.Brokers != "" {
		kafkaProducer = kafka.NewProducer(cfg.Kafka)
		producer = kafkaProducer
	}
	jobService := service.NewJobService(manager, plans, producer)
	documentService := service.NewDocumentService(docRepo, components.indexer, components.index, blobs, jobService, cfg.RAG)
	qaService := service.NewQAService(components.retriever, components.synthesizer, cfg.RAG)

	// 7. 启动后台 Kafka 消费者
	consumerDone := make(chan struct{})
	if kafkaProducer != nil {
		var counter kafka.AttemptCounter
		if database.RDB != nil {
			counter = kafka.NewRedisAttemptCounter(database.RDB)
		}
		go func() {
			defer close(consumerDone)
			kafka.StartConsumer(rootCtx, cfg.Kafka, jobService, counter)
		}()
	} else {
		close(consumerDone)
	}

	if cfg.Pipeline.SeedDir != "" {
		go importSeedFiles(rootCtx, cfg.Pipeline.SeedDir, documentService)
	}

	// 8. 注册路由
	jwtManager := token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpireHours, cfg.JWT.Clients)
	if !jwtManager.Enabled() {
		log.Warnf("未配置 jwt.secret，API 不做认证")
	}
	r := handler.NewRouter(cfg.Server.Mode, handler.Services{
		Documents:   documentService,
		Jobs:        jobService,
		QA:          qaService,
		JWT:         jwtManager,
		MaxFileSize: cfg.RAG.MaxFileSize,
	})

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	// 先停止消费，再等待进程内的任务结束
	stopRoot()
	<-consumerDone
	if err := manager.Close(ctx); err != nil {
		log.Errorf("等待管道任务结束超时: %v", err)
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Errorf("关闭 Kafka 生产者失败: %v", err)
		}
	}
	log.Info("服务已优雅关闭")
}

// newVectorStore 按配置创建向量存储后端，返回的 close 函数在退出时调用。
func newVectorStore(ctx context.Context, cfg config.Config) (rag.VectorStore, func(), error) {
	noop := func() {}
	switch cfg.VectorStore.Backend {
	case "elasticsearch":
		client, err := es.NewClient(cfg.Elasticsearch)
		if err != nil {
			return nil, noop, err
		}
		store := es.NewStore(client, cfg.Elasticsearch.IndexName)
		if err := store.EnsureIndex(ctx, cfg.RAG.EmbeddingDimension); err != nil {
			return nil, noop, err
		}
		log.Infof("向量存储: elasticsearch, index: %s", cfg.Elasticsearch.IndexName)
		return store, noop, nil
	case "pgvector":
		store, err := vectorstore.NewPgvectorStore(ctx, cfg.Postgres.DSN, cfg.Postgres.Table, cfg.RAG.EmbeddingDimension)
		if err != nil {
			return nil, noop, err
		}
		log.Infof("向量存储: pgvector, table: %s", cfg.Postgres.Table)
		return store, store.Close, nil
	case "chromem", "":
		store, err := vectorstore.NewChromemStore(cfg.Chromem.Path, cfg.Chromem.Collection)
		if err != nil {
			return nil, noop, err
		}
		log.Infof("向量存储: chromem, path: %q, collection: %s", cfg.Chromem.Path, cfg.Chromem.Collection)
		return store, noop, nil
	}
	return nil, noop, fmt.Errorf("未知的向量存储后端: %s", cfg.VectorStore.Backend)
}

type ragComponents struct {
	index       *rag.VectorIndex
	indexer     *rag.Indexer
	retriever   *rag.Retriever
	synthesizer *rag.Synthesizer
}

func newRAGComponents(cfg config.Config, store rag.VectorStore, blobs rag.BlobStore, policy retry.Policy) (*ragComponents, error) {
	chunker, err := rag.NewChunker(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	embedder, err := rag.NewEmbedder(embedding.NewClient(cfg.Embedding, cfg.RAG.EmbeddingDimension), rag.EmbedderOptions{
		BatchSize:   cfg.Embedding.BatchSize,
		Concurrency: cfg.Embedding.Concurrency,
		Dimension:   cfg.RAG.EmbeddingDimension,
		CallTimeout: cfg.Pipeline.CallTimeout,
		Retry:       policy,
	})
	if err != nil {
		return nil, err
	}
	var counter rag.TokenCounter
	if tk, err := tokenizer.New(tokenizer.DefaultEncoding); err != nil {
		log.Warnf("tokenizer 初始化失败，使用字符数估算: %v", err)
	} else {
		counter = tk
	}

	index := rag.NewVectorIndex(store, cfg.RAG.EmbeddingDimension, cfg.Pipeline.CallTimeout)
	return &ragComponents{
		index: index,
		indexer: rag.NewIndexer(tika.NewClient(cfg.Tika), chunker, embedder, index, blobs, counter, rag.IndexerOptions{
			MaxFileSize:      cfg.RAG.MaxFileSize,
			SupportedFormats: cfg.RAG.SupportedFormats,
			CallTimeout:      cfg.Pipeline.CallTimeout,
			Retry:            policy,
		}),
		retriever: rag.NewRetriever(embedder, index),
		synthesizer: rag.NewSynthesizer(llm.NewClient(cfg.LLM), rag.SynthesizerOptions{
			Prompt: rag.PromptOptions{
				Rules:        cfg.LLM.Prompt.Rules,
				RefStart:     cfg.LLM.Prompt.RefStart,
				RefEnd:       cfg.LLM.Prompt.RefEnd,
				NoResultText: cfg.LLM.Prompt.NoResultText,
			},
			MaxTokens:   cfg.LLM.Generation.MaxTokens,
			CallTimeout: cfg.Pipeline.CallTimeout,
			Retry:       policy,
		}),
	}, nil
}

// importSeedFiles 扫描目录下的文件并通过异步上传流程导入，已索引的文件跳过。
func importSeedFiles(ctx context.Context, dir string, docs service.DocumentService) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		log.Infof("importSeedFiles: 目录 '%s' 不存在或不可用，跳过初始化导入", dir)
		return
	}

	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("importSeedFiles: 读取文件失败: %s, err=%v", path, err)
			return nil
		}
		fileName := info.Name()
		docID := model.DocumentID(fileName, data)
		if rec, err := docs.Get(ctx, docID); err == nil && rec.Status == model.DocumentIndexed {
			log.Infof("importSeedFiles: 已存在，跳过: %s (id=%s)", fileName, docID)
			return nil
		}
		res, err := docs.Upload(ctx, service.UploadRequest{
			DocumentID: docID,
			FileName:   fileName,
			Data:       data,
			Metadata:   map[string]string{"source": "seed"},
		})
		if err != nil {
			log.Warnf("importSeedFiles: 导入失败: %s, err=%v", path, err)
			return nil
		}
		log.Infof("importSeedFiles: 已提交: %s, JobID: %s", fileName, res.Job.ID)
		return nil
	})
	if walkErr != nil {
		log.Warnf("importSeedFiles: 遍历目录发生错误: %v", walkErr)
	}
}
