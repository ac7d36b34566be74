package clusterwatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/cache"
	"k8s.io/client-go/util/workqueue"

	"github.com/prometheus/client_golang/prometheus"
)

const maxProcessRetries = 5

// newSharedIndexInformer wraps cache.NewSharedIndexInformer with the
// defaults every resource kind in this package uses: no periodic
// resync (the upstream watch is the source of truth) and no extra
// indexers beyond the informer's built-in namespace/name index.
func newSharedIndexInformer(lw cache.ListerWatcher, objType runtime.Object) cache.SharedIndexInformer {
	return cache.NewSharedIndexInformer(lw, objType, 0, cache.Indexers{})
}

// queueItem is what the workqueue carries: enough to re-fetch the
// object from the informer's indexer and reconstruct an Event.
type queueItem struct {
	key       string
	eventType Phase
	obj       any
	oldObj    any
}

// listerWatcher returns the cache.ListerWatcher, sample object, and
// apiVersion string for one configured resource kind.
func listerWatcher(client kubernetes.Interface, kind ResourceKind, namespace string) (cache.ListerWatcher, runtime.Object, string, error) {
	switch kind {
	case ResourcePods:
		return &cache.ListWatch{
			ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
				return client.CoreV1().Pods(namespace).List(context.Background(), opts)
			},
			WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
				return client.CoreV1().Pods(namespace).Watch(context.Background(), opts)
			},
		}, &corev1.Pod{}, "v1", nil

	case ResourceEvents:
		return &cache.ListWatch{
			ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
				return client.CoreV1().Events(namespace).List(context.Background(), opts)
			},
			WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
				return client.CoreV1().Events(namespace).Watch(context.Background(), opts)
			},
		}, &corev1.Event{}, "v1", nil

	case ResourceDeployments:
		return &cache.ListWatch{
			ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
				return client.AppsV1().Deployments(namespace).List(context.Background(), opts)
			},
			WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
				return client.AppsV1().Deployments(namespace).Watch(context.Background(), opts)
			},
		}, &appsv1.Deployment{}, "apps/v1", nil

	case ResourceServices:
		return &cache.ListWatch{
			ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
				return client.CoreV1().Services(namespace).List(context.Background(), opts)
			},
			WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
				return client.CoreV1().Services(namespace).Watch(context.Background(), opts)
			},
		}, &corev1.Service{}, "v1", nil

	case ResourceConfigMaps:
		return &cache.ListWatch{
			ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
				return client.CoreV1().ConfigMaps(namespace).List(context.Background(), opts)
			},
			WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
				return client.CoreV1().ConfigMaps(namespace).Watch(context.Background(), opts)
			},
		}, &corev1.ConfigMap{}, "v1", nil

	case ResourceNodes:
		return &cache.ListWatch{
			ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
				return client.CoreV1().Nodes().List(context.Background(), opts)
			},
			WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
				return client.CoreV1().Nodes().Watch(context.Background(), opts)
			},
		}, &corev1.Node{}, "v1", nil
	}

	return nil, nil, "", fmt.Errorf("unsupported resource kind %q", kind)
}

// customResourceListerWatcher builds the cache.ListerWatcher for one
// CRD via the dynamic client, listing/watching across namespace (""
// meaning cluster-wide).
func customResourceListerWatcher(dynamicClient dynamic.Interface, crd CustomResourceConfig, namespace string) (cache.ListerWatcher, runtime.Object) {
	gvr := schema.GroupVersionResource{Group: crd.Group, Version: crd.Version, Resource: crd.Resource}
	res := dynamicClient.Resource(gvr).Namespace(namespace)

	return &cache.ListWatch{
		ListFunc: func(opts metav1.ListOptions) (runtime.Object, error) {
			return res.List(context.Background(), opts)
		},
		WatchFunc: func(opts metav1.ListOptions) (watch.Interface, error) {
			return res.Watch(context.Background(), opts)
		},
	}, &unstructured.Unstructured{}
}

// controller runs one cache.SharedIndexInformer for one (cluster, kind)
// pair, translating its callbacks into Events pushed onto the owning
// manager's bounded per-cluster queue.
type controller struct {
	cluster    string
	kind       ResourceKind
	apiVersion string
	informer   cache.SharedIndexInformer
	queue      workqueue.RateLimitingInterface
	emit       func(Event)
	metrics    *prometheus.CounterVec
	startedAt  time.Time
}

func newController(cluster string, kind ResourceKind, apiVersion string, informer cache.SharedIndexInformer, emit func(Event), metrics *prometheus.CounterVec, startedAt time.Time) *controller {
	c := &controller{
		cluster:    cluster,
		kind:       kind,
		apiVersion: apiVersion,
		informer:   informer,
		queue:      workqueue.NewRateLimitingQueue(workqueue.DefaultControllerRateLimiter()),
		emit:       emit,
		metrics:    metrics,
		startedAt:  startedAt,
	}

	informer.AddEventHandler(cache.ResourceEventHandlerFuncs{
		AddFunc: func(obj any) {
			key, err := cache.MetaNamespaceKeyFunc(obj)
			if err != nil {
				return
			}
			c.queue.Add(queueItem{key: key, eventType: PhaseAdded, obj: obj})
			c.metrics.WithLabelValues(string(kind), string(PhaseAdded), cluster).Inc()
		},
		UpdateFunc: func(old, new any) {
			key, err := cache.MetaNamespaceKeyFunc(new)
			if err != nil {
				return
			}
			c.queue.Add(queueItem{key: key, eventType: PhaseModified, obj: new, oldObj: old})
			c.metrics.WithLabelValues(string(kind), string(PhaseModified), cluster).Inc()
		},
		DeleteFunc: func(obj any) {
			key, err := cache.DeletionHandlingMetaNamespaceKeyFunc(obj)
			if err != nil {
				return
			}
			c.queue.Add(queueItem{key: key, eventType: PhaseDeleted, obj: obj})
			c.metrics.WithLabelValues(string(kind), string(PhaseDeleted), cluster).Inc()
		},
	})

	return c
}

// run starts the informer and worker loop; it returns once stopCh
// closes.
func (c *controller) run(stopCh <-chan struct{}) {
	defer utilruntime.HandleCrash()
	defer c.queue.ShutDown()

	go c.informer.Run(stopCh)

	if !cache.WaitForCacheSync(stopCh, c.informer.HasSynced) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-stopCh
		cancel()
	}()

	for c.processNext(ctx) {
	}
}

func (c *controller) processNext(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	item, quit := c.queue.Get()
	if quit {
		return false
	}
	defer c.queue.Done(item)

	if err := c.process(item.(queueItem)); err != nil {
		if c.queue.NumRequeues(item) < maxProcessRetries {
			c.queue.AddRateLimited(item)
		} else {
			c.queue.Forget(item)
			utilruntime.HandleError(err)
		}
		return true
	}
	c.queue.Forget(item)
	return true
}

func (c *controller) process(item queueItem) error {
	namespace, name := splitKey(item.key)

	ev := Event{
		Cluster:    c.cluster,
		Kind:       string(c.kind),
		APIVersion: c.apiVersion,
		Namespace:  namespace,
		Name:       name,
		Phase:      item.eventType,
		Object:     toMap(item.obj),
		ObservedAt: time.Now(),
	}

	// The informer's initial list-sync replays every pre-existing
	// object through AddFunc; only forward creations observed after
	// this controller started so a daemon restart doesn't look like a
	// burst of new resources.
	if item.eventType == PhaseAdded {
		if created, ok := creationTimestamp(item.obj); ok && created.Before(c.startedAt) {
			return nil
		}
	}

	c.emit(ev)
	return nil
}

func splitKey(key string) (namespace, name string) {
	if idx := strings.Index(key, "/"); idx >= 0 {
		return key[:idx], key[idx+1:]
	}
	return "", key
}

func creationTimestamp(obj any) (time.Time, bool) {
	type hasMeta interface {
		GetCreationTimestamp() metav1.Time
	}
	if m, ok := obj.(hasMeta); ok {
		return m.GetCreationTimestamp().Time, true
	}
	return time.Time{}, false
}

// toMap converts a typed or unstructured object into the generic map
// representation carried on Event.Object.
func toMap(obj any) map[string]any {
	if u, ok := obj.(*unstructured.Unstructured); ok {
		return u.Object
	}
	m, err := runtime.DefaultUnstructuredConverter.ToUnstructured(obj)
	if err != nil {
		return nil
	}
	return m
}
